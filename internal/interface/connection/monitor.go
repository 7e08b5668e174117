package connection

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"gateway/internal/domain"
)

// DialFunc は疎通確認に使うダイアラー
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// MonitorConfig は接続監視の設定
// Addresses はオリジンとチャットAPIのように疎通確認する全ての host:port.
type MonitorConfig struct {
	Addresses     []string
	ProbeInterval time.Duration
	SyncInterval  time.Duration
	DialTimeout   time.Duration
	Dial          DialFunc
}

// ProbeAddresses は複数のURLから重複を除いた疎通確認先を求める
func ProbeAddresses(targets ...*url.URL) ([]string, error) {
	seen := make(map[string]bool, len(targets))
	addresses := make([]string, 0, len(targets))
	for _, target := range targets {
		address, err := ProbeAddress(target)
		if err != nil {
			return nil, err
		}
		if seen[address] {
			continue
		}
		seen[address] = true
		addresses = append(addresses, address)
	}
	return addresses, nil
}

// ProbeAddress はURLから疎通確認先の host:port を求める
func ProbeAddress(origin *url.URL) (string, error) {
	if origin == nil || origin.Host == "" {
		return "", fmt.Errorf("origin has no host")
	}
	if origin.Port() != "" {
		return origin.Host, nil
	}
	switch origin.Scheme {
	case "https":
		return net.JoinHostPort(origin.Hostname(), "443"), nil
	case "http":
		return net.JoinHostPort(origin.Hostname(), "80"), nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", origin.Scheme)
	}
}

type registration struct {
	handler domain.SyncHandler
	seq     uint64
}

// Monitor は上流への接続状態を監視し、復帰時に同期ハンドラを呼び出す
// ハンドラが nil を返すと登録は解除され、エラーなら次回も呼ばれる.
type Monitor struct {
	mu       sync.Mutex
	handlers map[string]*registration
	seq      uint64
	reach    map[string]bool
	lastSync time.Time

	fireMu sync.Mutex

	cfg    MonitorConfig
	logger domain.Logger
}

var _ domain.SyncRegistrar = (*Monitor)(nil)

// NewMonitor は新しいMonitorインスタンスを作成
// 初期状態はオフライン扱いとし、最初の疎通成功で登録済みハンドラを呼ぶ.
func NewMonitor(cfg MonitorConfig, logger domain.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = dialer.DialContext
	}

	return &Monitor{
		handlers: make(map[string]*registration),
		reach:    make(map[string]bool, len(cfg.Addresses)),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register は同期タグにハンドラを登録する
// 同じタグの再登録は上書きで、実行中のハンドラの登録解除を取り消す.
func (m *Monitor) Register(tag string, handler domain.SyncHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	_, exists := m.handlers[tag]
	m.handlers[tag] = &registration{handler: handler, seq: m.seq}
	if !exists {
		m.logger.Debug("Sync tag registered", map[string]interface{}{"tag": tag})
	}
}

// IsRegistered はタグが登録済みかを返す
func (m *Monitor) IsRegistered(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[tag]
	return ok
}

// Tags は登録済みのタグ一覧を返す
func (m *Monitor) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make([]string, 0, len(m.handlers))
	for tag := range m.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Online は直近の疎通確認で全ての宛先に到達できたかを返す
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allReachable()
}

func (m *Monitor) allReachable() bool {
	if len(m.cfg.Addresses) == 0 {
		return false
	}
	for _, address := range m.cfg.Addresses {
		if !m.reach[address] {
			return false
		}
	}
	return true
}

// Check は全宛先の疎通確認を1回行い、いずれかがオフラインから復帰した場合は全ハンドラを呼ぶ
// オリジンが落ちていなくてもチャットAPIの復帰で同期が走る.
func (m *Monitor) Check(ctx context.Context) bool {
	recovered := false
	for _, address := range m.cfg.Addresses {
		if m.probe(ctx, address) {
			recovered = true
		}
	}

	if recovered {
		m.fireAll(ctx)
	}
	return m.Online()
}

// probe は1つの宛先を確認し、オフラインから復帰したかを返す
func (m *Monitor) probe(ctx context.Context, address string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	reachable := false
	conn, err := m.cfg.Dial(dialCtx, "tcp", address)
	if err == nil {
		conn.Close()
		reachable = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous, known := m.reach[address]
	if !known || previous != reachable {
		fields := map[string]interface{}{"address": address}
		if reachable {
			m.logger.Info("Upstream reachable", fields)
		} else {
			fields["error"] = err.Error()
			m.logger.Warn("Upstream unreachable", fields)
		}
	}
	m.reach[address] = reachable
	return reachable && !previous
}

// Trigger は指定タグのハンドラを即座に呼ぶ
func (m *Monitor) Trigger(ctx context.Context, tag string) error {
	m.mu.Lock()
	reg, ok := m.handlers[tag]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sync tag %q is not registered", tag)
	}

	m.fireMu.Lock()
	defer m.fireMu.Unlock()
	return m.fire(ctx, tag, reg)
}

// Run は ctx が終了するまで定期的に疎通確認を行う
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Check(ctx) && m.syncDue() {
				m.fireAll(ctx)
			}
		}
	}
}

// syncDue はオンライン中の定期同期を行う時刻かを返す
func (m *Monitor) syncDue() bool {
	if m.cfg.SyncInterval <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers) > 0 && time.Since(m.lastSync) >= m.cfg.SyncInterval
}

// fireAll は登録済みの全ハンドラをタグ順に呼ぶ
func (m *Monitor) fireAll(ctx context.Context) {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	m.mu.Lock()
	m.lastSync = time.Now()
	snapshot := make(map[string]*registration, len(m.handlers))
	for tag, reg := range m.handlers {
		snapshot[tag] = reg
	}
	m.mu.Unlock()

	tags := make([]string, 0, len(snapshot))
	for tag := range snapshot {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		if err := m.fire(ctx, tag, snapshot[tag]); err != nil {
			m.logger.Warn("Sync handler failed, will retry", map[string]interface{}{
				"tag":   tag,
				"error": err.Error(),
			})
		}
	}
}

func (m *Monitor) fire(ctx context.Context, tag string, reg *registration) error {
	if err := reg.handler(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 実行中に再登録されていれば残す
	if current, ok := m.handlers[tag]; ok && current.seq == reg.seq {
		delete(m.handlers, tag)
		m.logger.Debug("Sync tag completed", map[string]interface{}{"tag": tag})
	}
	return nil
}
