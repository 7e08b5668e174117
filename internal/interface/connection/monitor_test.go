package connection

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/interface/repository/logger"
)

// switchDialer は online フラグに応じて成功/失敗するダイアラー
// down に含まれる宛先は online でも失敗する.
type switchDialer struct {
	online atomic.Bool

	mu   sync.Mutex
	down map[string]bool
}

func (d *switchDialer) setDown(address string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down == nil {
		d.down = make(map[string]bool)
	}
	d.down[address] = down
}

func (d *switchDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	down := d.down[address]
	d.mu.Unlock()
	if !d.online.Load() || down {
		return nil, errors.New("network unreachable")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func newTestMonitor(d *switchDialer) *Monitor {
	return NewMonitor(MonitorConfig{Addresses: []string{"origin.test:443"}, Dial: d.dial}, logger.Nop())
}

func TestMonitor_FiresOnRecovery(t *testing.T) {
	ctx := context.Background()
	d := &switchDialer{}
	m := newTestMonitor(d)

	var calls int32
	m.Register("chat-queue", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.False(t, m.Check(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	d.online.Store(true)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, m.IsRegistered("chat-queue"), "successful handler is unregistered")

	// オンラインのままでは再度呼ばれない
	m.Check(ctx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMonitor_FailingHandlerStaysRegistered(t *testing.T) {
	ctx := context.Background()
	d := &switchDialer{}
	d.online.Store(true)
	m := newTestMonitor(d)

	m.Register("chat-queue", func(context.Context) error {
		return errors.New("replay failed")
	})

	m.Check(ctx)
	assert.True(t, m.IsRegistered("chat-queue"))
	assert.Equal(t, []string{"chat-queue"}, m.Tags())
}

func TestMonitor_ReRegisterDuringHandlerKeepsTag(t *testing.T) {
	m := newTestMonitor(&switchDialer{})

	var handler func(context.Context) error
	handler = func(context.Context) error {
		m.Register("chat-queue", handler)
		return nil
	}
	m.Register("chat-queue", handler)

	require.NoError(t, m.Trigger(context.Background(), "chat-queue"))
	assert.True(t, m.IsRegistered("chat-queue"))
}

func TestMonitor_TriggerUnknownTag(t *testing.T) {
	m := newTestMonitor(&switchDialer{})
	assert.Error(t, m.Trigger(context.Background(), "missing"))
}

func TestMonitor_FiresWhenOnlyChatHostRecovers(t *testing.T) {
	ctx := context.Background()
	d := &switchDialer{}
	d.online.Store(true)
	d.setDown("chat.test:443", true)
	m := NewMonitor(MonitorConfig{
		Addresses: []string{"origin.test:443", "chat.test:443"},
		Dial:      d.dial,
	}, logger.Nop())

	assert.False(t, m.Check(ctx), "chat host is still down")

	var calls int32
	m.Register("chat-queue", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	// オリジンはずっと到達可能なまま、チャットAPIだけが復帰する
	m.Check(ctx)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	d.setDown("chat.test:443", false)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, m.Online())
}

func TestProbeAddresses_Deduplicates(t *testing.T) {
	origin, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	chat, err := url.Parse("https://example.com/chat")
	require.NoError(t, err)
	backend, err := url.Parse("https://backend.example.com/chat")
	require.NoError(t, err)

	got, err := ProbeAddresses(origin, chat, backend)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com:443", "backend.example.com:443"}, got)
}

func TestProbeAddress(t *testing.T) {
	for raw, want := range map[string]string{
		"https://example.com":        "example.com:443",
		"http://example.com/a":       "example.com:80",
		"http://127.0.0.1:8080/site": "127.0.0.1:8080",
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		got, err := ProbeAddress(u)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}
}
