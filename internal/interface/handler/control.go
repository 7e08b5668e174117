package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateway/internal/domain"
	"gateway/internal/usecase"
)

// QueueInspector はキューの参照を提供する
type QueueInspector interface {
	List(ctx context.Context) ([]*domain.QueuedMutation, error)
	Len(ctx context.Context) (int, error)
}

// SyncTrigger は同期タグを手動で発火する
type SyncTrigger interface {
	Trigger(ctx context.Context, tag string) error
	IsRegistered(tag string) bool
	Online() bool
}

// InstallFunc はマニフェストを再インストールする
type InstallFunc func(ctx context.Context) error

// ControlHandler は管理用APIのHTTPリクエストを処理
type ControlHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	gatherer       prometheus.Gatherer
	versions       usecase.GenerationSource
	queue          QueueInspector
	sync           SyncTrigger
	install        InstallFunc
	logger         domain.Logger

	mu      sync.Mutex
	expired []expiredView
}

// maxExpiredViews は保持する期限切れエントリの件数
const maxExpiredViews = 20

// NewControlHandler は新しいControlHandlerインスタンスを作成
func NewControlHandler(
	metricsUseCase *usecase.MetricsUseCase,
	gatherer prometheus.Gatherer,
	versions usecase.GenerationSource,
	queue QueueInspector,
	sync SyncTrigger,
	install InstallFunc,
	logger domain.Logger,
) *ControlHandler {
	return &ControlHandler{
		metricsUseCase: metricsUseCase,
		gatherer:       gatherer,
		versions:       versions,
		queue:          queue,
		sync:           sync,
		install:        install,
		logger:         logger,
	}
}

// Routes は管理用APIのルーターを返す
func (h *ControlHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/health", h.HandleHealth)
	r.Get("/stats", h.HandleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/queue", h.HandleQueue)
	r.Post("/sync", h.HandleSync)
	r.Post("/install", h.HandleInstall)
	return r
}

// HandleHealth はヘルスチェックエンドポイントを提供
func (h *ControlHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "up",
		"generation": h.versions.Current().Tag,
		"online":     h.sync.Online(),
	})
}

// HandleStats はJSON形式の統計情報を提供
func (h *ControlHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metricsUseCase.GetMetricsSnapshot())
}

// queuedView はキュー内エントリの表示形式
type queuedView struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Size       int       `json:"size"`
}

// expiredView は配信されずに破棄されたエントリの表示形式
type expiredView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Age        string    `json:"age"`
	Message    string    `json:"message,omitempty"`
}

// RecordExpired は期限切れで破棄されたエントリを記録する
// 直近のものだけを保持し、/queue で参照できるようにする.
func (h *ControlHandler) RecordExpired(m *domain.QueuedMutation, age time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expired = append(h.expired, expiredView{
		ID:         m.ID,
		URL:        m.URL,
		EnqueuedAt: m.EnqueuedAt,
		Age:        age.Round(time.Second).String(),
		Message:    usecase.Preview(m.FormValue("message"), 80),
	})
	if len(h.expired) > maxExpiredViews {
		h.expired = h.expired[len(h.expired)-maxExpiredViews:]
	}
}

func (h *ControlHandler) expiredViews() []expiredView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]expiredView(nil), h.expired...)
}

// HandleQueue はキュー内のエントリを返す
func (h *ControlHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	mutations, err := h.queue.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list queue", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	views := make([]queuedView, 0, len(mutations))
	for _, m := range mutations {
		views = append(views, queuedView{
			ID:         m.ID,
			Method:     m.Method,
			URL:        m.URL,
			EnqueuedAt: m.EnqueuedAt,
			Attempts:   m.Attempts,
			LastError:  m.LastError,
			Message:    usecase.Preview(m.FormValue("message"), 80),
			Size:       len(m.Body),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":   len(views),
		"mutations": views,
		"expired":   h.expiredViews(),
	})
}

// HandleSync はリトライキューの同期を発火する
func (h *ControlHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !h.sync.IsRegistered(usecase.SyncTag) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "idle", "pending": 0})
		return
	}

	err := h.sync.Trigger(r.Context(), usecase.SyncTag)
	pending, lerr := h.queue.Len(r.Context())
	if lerr != nil {
		h.logger.Error("Failed to read queue length", lerr, nil)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "synced", "pending": pending})
	case errors.Is(err, usecase.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"status": "in_progress", "pending": pending})
	default:
		h.logger.Warn("Manual sync failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status":  "failed",
			"pending": pending,
			"error":   err.Error(),
		})
	}
}

// HandleInstall はマニフェストを再インストールして有効化する
func (h *ControlHandler) HandleInstall(w http.ResponseWriter, r *http.Request) {
	if err := h.install(r.Context()); err != nil {
		var installErr *domain.ErrInstallFailed
		status := http.StatusInternalServerError
		if errors.As(err, &installErr) {
			status = http.StatusBadGateway
		}
		h.logger.Error("Manual install failed", err, nil)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "installed",
		"generation": h.versions.Current().Tag,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
