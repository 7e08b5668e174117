package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/domain"
	"gateway/internal/interface/repository/logger"
)

type stubRouter struct {
	got  *domain.Request
	resp *domain.Response
	err  error
}

func (s *stubRouter) Handle(_ context.Context, req *domain.Request) (*domain.Response, error) {
	s.got = req
	return s.resp, s.err
}

func newTestGateway(t *testing.T, router RequestHandler) *GatewayHandler {
	t.Helper()
	origin, err := url.Parse("https://portfolio.example.com")
	require.NoError(t, err)
	chat, err := url.Parse("https://backend.example.com/chat")
	require.NoError(t, err)
	return NewGatewayHandler(router, GatewayConfig{Origin: origin, ChatURL: chat}, logger.Nop())
}

func TestGatewayHandler_ResolvesTargets(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"origin path", "/data/repos.json?v=20", "https://portfolio.example.com/data/repos.json?v=20"},
		{"root", "/", "https://portfolio.example.com/"},
		{"chat path", "/chat", "https://backend.example.com/chat"},
		{"absolute form", "http://cdn.example.com/leaflet.css", "http://cdn.example.com/leaflet.css"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &stubRouter{resp: &domain.Response{StatusCode: http.StatusOK, Headers: http.Header{}}}
			h := newTestGateway(t, router)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))

			require.NotNil(t, router.got)
			assert.Equal(t, tt.want, router.got.URL.String())
		})
	}
}

func TestGatewayHandler_WritesResponse(t *testing.T) {
	router := &stubRouter{resp: &domain.Response{
		StatusCode:  http.StatusOK,
		Headers:     http.Header{"Content-Type": []string{"text/css"}},
		Body:        []byte("body{}"),
		IsFromCache: true,
	}}
	h := newTestGateway(t, router)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/style.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hit", rec.Header().Get("X-Gateway-Cache"))
	assert.Equal(t, "body{}", rec.Body.String())
}

func TestGatewayHandler_PassesBodyAndHeaders(t *testing.T) {
	router := &stubRouter{resp: &domain.Response{StatusCode: http.StatusOK, Headers: http.Header{}}}
	h := newTestGateway(t, router)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("message=hi")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, router.got)
	assert.Equal(t, http.MethodPost, router.got.Method)
	assert.Equal(t, []byte("message=hi"), router.got.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", router.got.Headers.Get("Content-Type"))
}

func TestGatewayHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"queued", &domain.ErrQueued{ID: "q-1", Err: io.EOF}, http.StatusServiceUnavailable},
		{"network", &domain.ErrNetwork{URL: "https://x", Err: io.EOF}, http.StatusBadGateway},
		{"not cached", fmt.Errorf("%w: %w", domain.ErrNotCached, &domain.ErrNetwork{URL: "https://x", Err: io.EOF}), http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestGateway(t, &stubRouter{err: tt.err})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	h := newTestGateway(t, &stubRouter{err: &domain.ErrQueued{ID: "q-1", Err: io.EOF}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, "q-1", rec.Header().Get("X-Gateway-Queued"))
}

func TestGatewayHandler_RejectsConnect(t *testing.T) {
	h := newTestGateway(t, &stubRouter{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodConnect, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
