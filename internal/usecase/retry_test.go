package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/domain"
)

func (f *gatewayFixture) appendMutation(t *testing.T, id, message string, at time.Time) {
	t.Helper()
	m := &domain.QueuedMutation{
		ID:         id,
		Method:     http.MethodPost,
		URL:        f.origin.URL + "/chat",
		Headers:    http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:       []byte("message=" + message),
		EnqueuedAt: at,
	}
	require.NoError(t, f.mutation.Append(context.Background(), m))
}

func TestRetryQueue_DropsExpiredWithoutReplay(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.origin.set("/chat", `{"reply":"ok"}`)
	f.appendMutation(t, "stale", "hello", time.Now().Add(-25*time.Hour))

	var expired []string
	f.queue.OnExpire(func(m *domain.QueuedMutation, age time.Duration) {
		expired = append(expired, m.ID)
		assert.Greater(t, age, 24*time.Hour)
	})

	require.NoError(t, f.queue.OnSync(ctx))
	assert.Equal(t, 0, f.origin.hitCount("/chat"))
	assert.Equal(t, []string{"stale"}, expired)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	snapshot := f.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.ExpiredMutations)
	assert.Zero(t, snapshot.QueueLength)
}

func TestRetryQueue_ReplaysInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.origin.set("/chat", `{"reply":"ok"}`)

	now := time.Now()
	for _, msg := range []string{"first", "second", "third"} {
		f.appendMutation(t, msg, msg, now)
	}

	require.NoError(t, f.queue.OnSync(ctx))

	f.origin.mu.Lock()
	defer f.origin.mu.Unlock()
	require.Len(t, f.origin.payloads, 3)
	assert.Equal(t, "message=first", string(f.origin.payloads[0]))
	assert.Equal(t, "message=second", string(f.origin.payloads[1]))
	assert.Equal(t, "message=third", string(f.origin.payloads[2]))
}

func TestRetryQueue_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.origin.setStatus("/chat", http.StatusServiceUnavailable)

	now := time.Now()
	f.appendMutation(t, "a", "one", now)
	f.appendMutation(t, "b", "two", now)

	err := f.queue.OnSync(ctx)
	var replayErr *domain.ErrReplayFailed
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, "a", replayErr.ID)
	assert.Equal(t, http.StatusServiceUnavailable, replayErr.StatusCode)
	assert.Equal(t, 1, f.origin.hitCount("/chat"))

	pending, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "status 503", pending[0].LastError)
	assert.Zero(t, pending[1].Attempts)

	// 次回の同期で残りを配信
	f.origin.setStatus("/chat", http.StatusOK)
	f.origin.set("/chat", `{"reply":"ok"}`)
	require.NoError(t, f.queue.OnSync(ctx))
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryQueue_RedirectCountsAsDelivered(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.origin.setStatus("/chat", http.StatusSeeOther)
	f.appendMutation(t, "a", "one", time.Now())

	require.NoError(t, f.queue.OnSync(ctx))
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryQueue_FailureKeepsSyncTag(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)

	f.fetcher.offline.Store(true)
	req := f.request(t, http.MethodPost, "/chat", http.Header{"Content-Type": []string{"text/plain"}}, []byte("hi"))
	_, err := f.queue.Enqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, f.monitor.IsRegistered(SyncTag))

	err = f.monitor.Trigger(ctx, SyncTag)
	var netErr *domain.ErrNetwork
	assert.True(t, errors.As(err, &netErr))
	assert.True(t, f.monitor.IsRegistered(SyncTag))
}

func TestRetryQueue_SingleFlight(t *testing.T) {
	f := newGatewayFixture(t)
	f.queue.flushing.Store(true)
	assert.ErrorIs(t, f.queue.OnSync(context.Background()), ErrSyncInProgress)
}

func TestRetryQueue_Resume(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)

	require.NoError(t, f.queue.Resume(ctx))
	assert.False(t, f.monitor.IsRegistered(SyncTag))

	f.appendMutation(t, "left-over", "hello", time.Now())
	require.NoError(t, f.queue.Resume(ctx))
	assert.True(t, f.monitor.IsRegistered(SyncTag))
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().QueueLength)
}

func TestRetryQueue_Purge(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.appendMutation(t, "a", "one", time.Now())
	f.appendMutation(t, "b", "two", time.Now())

	n, err := f.queue.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short", 10))
	assert.Equal(t, "こんに…", Preview("こんにちは", 3))
}

func TestChatReply(t *testing.T) {
	assert.Equal(t, "hi", chatReply([]byte(`{"reply":"hi"}`)))
	assert.Empty(t, chatReply([]byte(`<html>`)))
}
