package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gateway/internal/config"
	"gateway/internal/domain"
	"gateway/internal/interface/connection"
	"gateway/internal/interface/repository/cache"
	"gateway/internal/interface/repository/logger"
	"gateway/internal/interface/repository/manifest"
	"gateway/internal/interface/repository/metrics"
	"gateway/internal/interface/repository/queue"
	"gateway/internal/usecase"
)

// newLogger は設定からロガーを作成
func newLogger(cfg *config.Config) (*logger.Repository, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Rotation: &logger.RotationConfig{
			MaxSize:    cfg.Logging.MaxSize,
			MaxAge:     time.Duration(cfg.Logging.MaxAgeDays) * 24 * time.Hour,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
}

// newFetcher は設定からFetcherを作成
func newFetcher(cfg *config.Config) *connection.Fetcher {
	return connection.NewFetcher(connection.FetcherConfig{
		MaxIdle:      cfg.Origin.MaxIdle,
		IdleTimeout:  cfg.Origin.IdleTimeout,
		DialTimeout:  cfg.Origin.DialTimeout,
		Timeout:      cfg.Origin.Timeout,
		MaxBodyBytes: cfg.Origin.MaxBodyBytes,
	})
}

// app はゲートウェイの構成要素を保持するコンポジションルート
type app struct {
	cfg       *config.Config
	origin    *url.URL
	chat      *url.URL
	logger    *logger.Repository
	caches    *cache.Repository
	mutations *queue.Repository
	manifest  *manifest.Repository
	metrics   *metrics.Repository
	fetcher   *connection.Fetcher
	monitor   *connection.Monitor
	versions  *usecase.VersionManager
	queue     *usecase.RetryQueue
	router    *usecase.Router
}

// newApp は全ての構成要素を組み立てる
func newApp(cfg *config.Config, log *logger.Repository) (*app, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	chat, err := cfg.ChatURL()
	if err != nil {
		return nil, err
	}
	// 再送先はチャットAPIのため、オリジンと別ホストでも復帰を検知する
	probes, err := connection.ProbeAddresses(origin, chat)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, origin: origin, chat: chat, logger: log}

	if a.caches, err = cache.New(cfg.Cache.Dir); err != nil {
		return nil, err
	}
	if a.mutations, err = queue.New(cfg.Queue.Path); err != nil {
		a.Close()
		return nil, err
	}
	if a.manifest, err = manifest.New(cfg.Manifest.Path, log); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New(cfg.Metrics.File)
	a.fetcher = newFetcher(cfg)
	a.monitor = connection.NewMonitor(connection.MonitorConfig{
		Addresses:     probes,
		ProbeInterval: cfg.Monitor.ProbeInterval,
		SyncInterval:  cfg.Monitor.SyncInterval,
		DialTimeout:   cfg.Monitor.DialTimeout,
	}, log)

	a.versions = usecase.NewVersionManager(a.caches, a.caches, a.fetcher, log, usecase.VersionConfig{
		Origin:      origin.String(),
		SkipWaiting: cfg.Cache.SkipWaiting,
	})
	a.queue = usecase.NewRetryQueue(a.mutations, a.fetcher, a.monitor, a.metrics, log, usecase.RetryConfig{
		Retention:   cfg.Queue.Retention,
		ReplayRate:  cfg.Queue.ReplayRate,
		ReplayBurst: cfg.Queue.ReplayBurst,
	})

	rules := usecase.DefaultRules(usecase.RouterConfig{
		Origin:        origin,
		ChatURL:       chat,
		DataExtension: cfg.Cache.DataExtension,
	})
	a.router = usecase.NewRouter(rules, a.caches, a.versions, a.fetcher, a.queue, a.metrics, log,
		domain.ExpirationPolicy{
			MaxEntries: cfg.Cache.ImageMaxEntries,
			MaxAge:     cfg.Cache.ImageMaxAge,
		})

	return a, nil
}

// installCurrent はマニフェストの世代が有効でなければインストールして有効化する
// skip_waiting が無効でも起動時はクライアントがいないため有効化する.
func (a *app) installCurrent(ctx context.Context) error {
	m := a.manifest.Current()
	installed, err := a.versions.InstallIfNeeded(ctx, m)
	if err != nil {
		return err
	}
	if !installed {
		a.logger.Info("Cache generation is current", map[string]interface{}{"generation": m.Generation})
		return nil
	}
	if a.versions.Current().Tag != m.Generation {
		return a.versions.Activate(ctx, domain.Generation{Tag: m.Generation})
	}
	return nil
}

// applyManifest は監視中のマニフェストを反映する
// 失敗した場合は接続回復時と sync_interval ごとに再試行する.
func (a *app) applyManifest(ctx context.Context, m *domain.Manifest) {
	if _, err := a.versions.InstallIfNeeded(ctx, m); err != nil {
		a.logger.Error("Install of new generation failed", err, map[string]interface{}{
			"generation": m.Generation,
		})
		a.monitor.Register(usecase.InstallTag, a.retryInstall)
	}
}

func (a *app) retryInstall(ctx context.Context) error {
	_, err := a.versions.InstallIfNeeded(ctx, a.manifest.Current())
	return err
}

// reinstall はマニフェストを再読み込みしてインストールする
func (a *app) reinstall(ctx context.Context) error {
	if _, err := a.manifest.Reload(); err != nil {
		return err
	}
	return a.versions.Install(ctx, a.manifest.Current())
}

// Close は保持しているリソースを解放する
func (a *app) Close() error {
	var errs []error
	if a.fetcher != nil {
		a.fetcher.CloseIdle()
	}
	if a.mutations != nil {
		errs = append(errs, a.mutations.Close())
	}
	if a.caches != nil {
		errs = append(errs, a.caches.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close stores: %w", err)
	}
	return nil
}
