package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gateway/internal/domain"
)

// RequestHandler はドメインリクエストを処理するルーター
type RequestHandler interface {
	Handle(ctx context.Context, req *domain.Request) (*domain.Response, error)
}

// GatewayConfig はゲートウェイハンドラの設定
type GatewayConfig struct {
	Origin       *url.URL
	ChatPath     string
	ChatURL      *url.URL
	MaxBodyBytes int64
}

// GatewayHandler はページからのリクエストを受け取り、ルーターに渡す
type GatewayHandler struct {
	router RequestHandler
	config GatewayConfig
	logger domain.Logger
}

// NewGatewayHandler は新しいGatewayHandlerインスタンスを作成
func NewGatewayHandler(router RequestHandler, config GatewayConfig, logger domain.Logger) *GatewayHandler {
	if config.ChatPath == "" {
		config.ChatPath = "/chat"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 * 1024 * 1024
	}
	return &GatewayHandler{
		router: router,
		config: config,
		logger: logger,
	}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		h.logger.Warn("Failed to read request body", map[string]interface{}{
			"url":   r.URL.String(),
			"error": err.Error(),
		})
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, err := domain.NewRequest(r.Method, h.targetURL(r), r.Header.Clone(), body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	req.Headers.Del("Host")

	resp, err := h.router.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	writeResponse(w, resp)
}

// targetURL はリクエスト先の絶対URLを求める
// 絶対形式はそのまま、チャットパスは設定されたチャットURLへ、それ以外はオリジン基準.
func (h *GatewayHandler) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	if h.config.ChatURL != nil && r.URL.Path == h.config.ChatPath {
		u := *h.config.ChatURL
		u.RawQuery = r.URL.RawQuery
		return u.String()
	}

	u := *h.config.Origin
	u.Path = strings.TrimSuffix(u.Path, "/") + r.URL.Path
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

func (h *GatewayHandler) writeError(w http.ResponseWriter, req *domain.Request, err error) {
	var queued *domain.ErrQueued
	if errors.As(err, &queued) {
		h.logger.Info("Request deferred to retry queue", map[string]interface{}{
			"id":  queued.ID,
			"url": req.URL.String(),
		})
		w.Header().Set("X-Gateway-Queued", queued.ID)
		w.Header().Set("Retry-After", "30")
		http.Error(w, fmt.Sprintf("Offline: request queued as %s", queued.ID), http.StatusServiceUnavailable)
		return
	}

	var netErr *domain.ErrNetwork
	if errors.As(err, &netErr) {
		h.logger.Warn("Upstream unreachable", map[string]interface{}{
			"url":   req.URL.String(),
			"error": netErr.Err.Error(),
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	h.logger.Error("Request handling failed", err, map[string]interface{}{
		"url": req.URL.String(),
	})
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeResponse(w http.ResponseWriter, resp *domain.Response) {
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	if resp.IsFromCache {
		w.Header().Set("X-Gateway-Cache", "hit")
	} else {
		w.Header().Set("X-Gateway-Cache", "miss")
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
