package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// postControl は実行中のゲートウェイの管理APIを呼び出す
func postControl(ctx context.Context, server, prefix, path string) (map[string]interface{}, error) {
	endpoint := strings.TrimSuffix(server, "/") + prefix + path

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway at %s: %w", server, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unexpected response from %s (%d): %s", endpoint, resp.StatusCode, body)
	}
	if resp.StatusCode >= 300 {
		return result, fmt.Errorf("%s returned %d: %v", endpoint, resp.StatusCode, result["error"])
	}
	return result, nil
}
