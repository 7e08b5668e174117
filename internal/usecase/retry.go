package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gateway/internal/domain"
)

// SyncTag はリトライキューの同期タグ
const SyncTag = "chat-queue"

// ErrSyncInProgress は別の同期が実行中であることを表す
var ErrSyncInProgress = errors.New("sync already in progress")

// RetryConfig はリトライキューの設定
type RetryConfig struct {
	Retention   time.Duration
	ReplayRate  float64
	ReplayBurst int
}

// DefaultRetryConfig はデフォルト設定を返す
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Retention:   24 * time.Hour,
		ReplayRate:  2,
		ReplayBurst: 1,
	}
}

// ExpiryListener は保持期間切れで破棄されたエントリを通知する
type ExpiryListener func(m *domain.QueuedMutation, age time.Duration)

// RetryQueue は失敗した送信を永続化し、同期時に挿入順で再送する
// 重複排除は行わないため配信は at-least-once となる.
type RetryQueue struct {
	store     domain.MutationStore
	fetcher   domain.Fetcher
	registrar domain.SyncRegistrar
	metrics   domain.MetricsCollector
	logger    domain.Logger

	retention time.Duration
	limiter   *rate.Limiter
	listeners []ExpiryListener
	now       func() time.Time

	flushing atomic.Bool
}

// NewRetryQueue は新しいRetryQueueインスタンスを作成
func NewRetryQueue(
	store domain.MutationStore,
	fetcher domain.Fetcher,
	registrar domain.SyncRegistrar,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config RetryConfig,
) *RetryQueue {
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}

	q := &RetryQueue{
		store:     store,
		fetcher:   fetcher,
		registrar: registrar,
		metrics:   metrics,
		logger:    logger,
		retention: config.Retention,
		now:       time.Now,
	}
	if config.ReplayRate > 0 {
		burst := config.ReplayBurst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(config.ReplayRate), burst)
	}
	return q
}

// OnExpire は期限切れ通知のリスナーを追加する
func (q *RetryQueue) OnExpire(listener ExpiryListener) {
	q.listeners = append(q.listeners, listener)
}

// Enqueue はリクエストをキューの末尾に永続化し、同期タグを登録する
func (q *RetryQueue) Enqueue(ctx context.Context, req *domain.Request) (*domain.QueuedMutation, error) {
	m := domain.NewQueuedMutation(uuid.NewString(), req, q.now())
	if err := q.store.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to queue request: %w", err)
	}

	q.metrics.RecordQueued()
	q.updateLength(ctx)
	// 同期中の登録解除を防ぐため毎回登録する
	q.registrar.Register(SyncTag, q.OnSync)

	q.logger.Info("Queued request for replay", map[string]interface{}{
		"id":      m.ID,
		"url":     m.URL,
		"message": Preview(m.FormValue("message"), 80),
	})
	return m, nil
}

// Resume は起動時にキューが空でなければ同期タグを登録し直す
func (q *RetryQueue) Resume(ctx context.Context) error {
	n, err := q.store.Len(ctx)
	if err != nil {
		return err
	}
	q.metrics.SetQueueLength(n)
	if n > 0 {
		q.registrar.Register(SyncTag, q.OnSync)
		q.logger.Info("Resumed pending queue", map[string]interface{}{"pending": n})
	}
	return nil
}

// OnSync は期限切れを破棄した後、残りを挿入順に再送する
// 最初の失敗で中断し、残りは次回の同期まで保持する.
func (q *RetryQueue) OnSync(ctx context.Context) error {
	if !q.flushing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer q.flushing.Store(false)
	defer q.updateLength(ctx)

	mutations, err := q.store.List(ctx)
	if err != nil {
		return err
	}

	pending, err := q.dropExpired(ctx, mutations)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	q.logger.Info("Replaying queued requests", map[string]interface{}{"pending": len(pending)})

	for _, m := range pending {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := q.replay(ctx, m); err != nil {
			q.logger.Warn("Replay stopped", map[string]interface{}{
				"id":    m.ID,
				"error": err.Error(),
			})
			return err
		}
	}
	return nil
}

// dropExpired は保持期間を過ぎたエントリを再送せずに削除する
func (q *RetryQueue) dropExpired(ctx context.Context, mutations []*domain.QueuedMutation) ([]*domain.QueuedMutation, error) {
	now := q.now()
	pending := mutations[:0:0]
	expired := 0

	for _, m := range mutations {
		if !m.Expired(q.retention, now) {
			pending = append(pending, m)
			continue
		}

		if err := q.store.Remove(ctx, m.ID); err != nil {
			return nil, err
		}
		expired++

		age := now.Sub(m.EnqueuedAt)
		q.logger.Warn("Dropped expired queued request", map[string]interface{}{
			"id":       m.ID,
			"url":      m.URL,
			"age":      age.Round(time.Second).String(),
			"attempts": m.Attempts,
		})
		for _, listener := range q.listeners {
			listener(m, age)
		}
	}

	if expired > 0 {
		q.metrics.RecordExpired(expired)
	}
	return pending, nil
}

// replay は1件を再送し、成功したらキューから削除する
func (q *RetryQueue) replay(ctx context.Context, m *domain.QueuedMutation) error {
	req, err := m.Request()
	if err != nil {
		// 再送できないエントリは残しても意味がない
		q.logger.Error("Dropping unreplayable request", err, map[string]interface{}{"id": m.ID})
		return q.store.Remove(ctx, m.ID)
	}

	resp, err := q.fetcher.Fetch(ctx, req)
	if err != nil {
		q.recordFailure(ctx, m, err.Error())
		return &domain.ErrReplayFailed{ID: m.ID, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		q.recordFailure(ctx, m, fmt.Sprintf("status %d", resp.StatusCode))
		return &domain.ErrReplayFailed{ID: m.ID, StatusCode: resp.StatusCode}
	}

	if err := q.store.Remove(ctx, m.ID); err != nil {
		return err
	}
	q.metrics.RecordReplay(true)

	fields := map[string]interface{}{
		"id":     m.ID,
		"status": resp.StatusCode,
	}
	if reply := chatReply(resp.Body); reply != "" {
		fields["reply"] = Preview(reply, 80)
	}
	q.logger.Info("Replayed queued request", fields)
	return nil
}

func (q *RetryQueue) recordFailure(ctx context.Context, m *domain.QueuedMutation, reason string) {
	q.metrics.RecordReplay(false)
	if err := q.store.MarkAttempt(ctx, m.ID, reason); err != nil {
		q.logger.Error("Failed to record replay attempt", err, map[string]interface{}{"id": m.ID})
	}
}

// List はキュー内のエントリを挿入順に返す
func (q *RetryQueue) List(ctx context.Context) ([]*domain.QueuedMutation, error) {
	return q.store.List(ctx)
}

// Len はキューの件数を返す
func (q *RetryQueue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// Purge はキューを空にする
func (q *RetryQueue) Purge(ctx context.Context) (int, error) {
	n, err := q.store.Purge(ctx)
	if err != nil {
		return 0, err
	}
	q.metrics.SetQueueLength(0)
	q.logger.Warn("Purged retry queue", map[string]interface{}{"purged": n})
	return n, nil
}

func (q *RetryQueue) updateLength(ctx context.Context) {
	n, err := q.store.Len(context.WithoutCancel(ctx))
	if err != nil {
		q.logger.Error("Failed to read queue length", err, nil)
		return
	}
	q.metrics.SetQueueLength(n)
}

// chatReply はチャットAPIの応答から reply フィールドを取り出す
func chatReply(body []byte) string {
	var payload struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Reply
}

// Preview は文字列を n 文字までに切り詰める
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
