package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"gateway/internal/domain"
)

// hopHeaders は転送しないホップバイホップヘッダー
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FetcherConfig はアップストリーム接続の設定
type FetcherConfig struct {
	MaxIdle      int
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	Timeout      time.Duration
	MaxBodyBytes int64
}

// DefaultFetcherConfig はデフォルト設定を返す
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		MaxIdle:      16,
		IdleTimeout:  90 * time.Second,
		DialTimeout:  10 * time.Second,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 32 * 1024 * 1024,
	}
}

// Fetcher はネットワークへリクエストを送信する
// 接続の再利用は http.Transport のアイドルプールに任せる.
type Fetcher struct {
	client  *http.Client
	maxBody int64
}

var _ domain.Fetcher = (*Fetcher)(nil)

// NewFetcher は新しいFetcherインスタンスを作成
func NewFetcher(cfg FetcherConfig) *Fetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdle * 4,
		MaxIdleConnsPerHost: cfg.MaxIdle,
		IdleConnTimeout:     cfg.IdleTimeout,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// リダイレクトはページ側に返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: cfg.MaxBodyBytes,
	}
}

// Fetch はリクエストを送信し、ボディを読み切ったレスポンスを返す
// ステータスコードに関わらず応答が得られれば成功とする.
func (f *Fetcher) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}

	httpReq.Header = req.Headers.Clone()
	removeHopHeaders(httpReq.Header)
	// 圧縮はTransportに任せ、展開済みのボディを扱う
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Content-Length")
	httpReq.ContentLength = int64(len(req.Body))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &domain.ErrNetwork{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &domain.ErrNetwork{URL: req.URL.String(), Err: err}
	}
	if int64(len(body)) > f.maxBody {
		return nil, &domain.ErrNetwork{
			URL: req.URL.String(),
			Err: fmt.Errorf("response body exceeds %d bytes", f.maxBody),
		}
	}

	headers := resp.Header.Clone()
	removeHopHeaders(headers)
	headers.Del("Content-Length")

	return &domain.Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
		CreatedAt:  time.Now(),
	}, nil
}

// CloseIdle はアイドル接続を全て閉じる
func (f *Fetcher) CloseIdle() {
	f.client.CloseIdleConnections()
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
