package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"gateway/internal/domain"
)

// InstallTag は失敗したインストールを再試行する同期タグ
const InstallTag = "cache-install"

// VersionConfig はキャッシュ世代管理の設定
type VersionConfig struct {
	Origin      string
	SkipWaiting bool
}

// VersionManager はキャッシュ世代のインストールと有効化を担当
// 有効な世代は常に1つで、それ以外のストアは有効化時に削除される.
type VersionManager struct {
	storage     domain.CacheStorage
	generations domain.GenerationStore
	fetcher     domain.Fetcher
	logger      domain.Logger

	origin      string
	skipWaiting bool
	now         func() time.Time

	installMu sync.Mutex
	current   atomic.Value // domain.Generation
}

// NewVersionManager は新しいVersionManagerインスタンスを作成
func NewVersionManager(
	storage domain.CacheStorage,
	generations domain.GenerationStore,
	fetcher domain.Fetcher,
	logger domain.Logger,
	config VersionConfig,
) *VersionManager {
	vm := &VersionManager{
		storage:     storage,
		generations: generations,
		fetcher:     fetcher,
		logger:      logger,
		origin:      config.Origin,
		skipWaiting: config.SkipWaiting,
		now:         time.Now,
	}
	vm.current.Store(domain.Generation{})
	return vm
}

// Current は現在有効な世代を返す
func (vm *VersionManager) Current() domain.Generation {
	return vm.current.Load().(domain.Generation)
}

// Restore は永続化された世代を読み込む
func (vm *VersionManager) Restore(ctx context.Context) (domain.Generation, error) {
	tag, ok, err := vm.generations.CurrentGeneration(ctx)
	if err != nil {
		return domain.Generation{}, err
	}
	if !ok {
		return domain.Generation{}, nil
	}

	g := domain.Generation{Tag: tag}
	vm.current.Store(g)
	vm.logger.Info("Restored cache generation", map[string]interface{}{"generation": tag})
	return g, nil
}

// Install はマニフェストの全URLを取得して新しい世代のストアに格納する
// 1つでも失敗した場合は何も書き込まずに ErrInstallFailed を返す.
func (vm *VersionManager) Install(ctx context.Context, manifest *domain.Manifest) error {
	vm.installMu.Lock()
	defer vm.installMu.Unlock()

	g := domain.Generation{Tag: manifest.Generation}
	if g.IsZero() {
		return &domain.ErrInstallFailed{Err: fmt.Errorf("manifest has no generation tag")}
	}

	vm.logger.Info("Installing cache generation", map[string]interface{}{
		"generation": g.Tag,
		"assets":     len(manifest.Assets),
	})

	// 全て揃うまでストアには触れない
	results := make([]installedAsset, 0, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		req, err := domain.NewRequest(http.MethodGet, resolveURL(vm.origin, asset), nil, nil)
		if err != nil {
			return &domain.ErrInstallFailed{Generation: g.Tag, URL: asset, Err: err}
		}

		resp, err := vm.fetcher.Fetch(ctx, req)
		if err != nil {
			return &domain.ErrInstallFailed{Generation: g.Tag, URL: req.URL.String(), Err: err}
		}
		if !resp.OK() {
			return &domain.ErrInstallFailed{
				Generation: g.Tag,
				URL:        req.URL.String(),
				Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
			}
		}
		results = append(results, installedAsset{req: req, resp: resp})
	}

	rollback := g.Tag != vm.Current().Tag
	if err := vm.populate(ctx, g, results); err != nil {
		if rollback {
			for _, name := range g.CacheNames() {
				if _, derr := vm.storage.Delete(ctx, name); derr != nil {
					vm.logger.Error("Failed to roll back cache", derr, map[string]interface{}{"cache": name})
				}
			}
		}
		return &domain.ErrInstallFailed{Generation: g.Tag, Err: err}
	}

	vm.logger.Info("Installed cache generation", map[string]interface{}{
		"generation": g.Tag,
		"entries":    len(results),
	})

	if vm.skipWaiting {
		return vm.activate(ctx, g)
	}
	return nil
}

// InstallIfNeeded はマニフェストの世代が有効でなければインストールする
// 同じタグのインストールが以前に失敗していてもやり直す.
func (vm *VersionManager) InstallIfNeeded(ctx context.Context, manifest *domain.Manifest) (bool, error) {
	if vm.Current().Tag == manifest.Generation {
		return false, nil
	}
	if err := vm.Install(ctx, manifest); err != nil {
		return false, err
	}
	return true, nil
}

// installedAsset はインストール時に取得したアセット
type installedAsset struct {
	req  *domain.Request
	resp *domain.Response
}

// populate は取得済みアセットを世代のストアへ書き込む
// 画像は画像用ストアへ、それ以外はアセット用ストアへ入る.
func (vm *VersionManager) populate(ctx context.Context, g domain.Generation, assets []installedAsset) error {
	stores := make(map[domain.CacheKind]domain.Cache, 2)
	storedAt := vm.now()

	for i, a := range assets {
		kind := domain.AssetCache
		if a.req.Destination() == domain.DestinationImage {
			kind = domain.ImageCache
		}

		c, ok := stores[kind]
		if !ok {
			var err error
			if c, err = vm.storage.Open(ctx, kind.CacheName(g)); err != nil {
				return err
			}
			stores[kind] = c
		}

		// 画像ストアの退避順が取得順になるよう1ナノ秒ずつずらす
		entryAt := storedAt.Add(time.Duration(i))
		if err := c.Put(ctx, domain.NewCacheEntry(a.req, a.resp, entryAt)); err != nil {
			return err
		}
	}
	return nil
}

// Activate は指定世代を有効化し、それ以外の全ストアを削除する
func (vm *VersionManager) Activate(ctx context.Context, g domain.Generation) error {
	vm.installMu.Lock()
	defer vm.installMu.Unlock()
	return vm.activate(ctx, g)
}

// activate は世代を先に切り替えてから古いストアを削除する
// 切り替え後は PutCurrent が古いストアへの書き込みを拒否するため、削除したストアは復活しない.
func (vm *VersionManager) activate(ctx context.Context, g domain.Generation) error {
	if err := vm.generations.SetCurrentGeneration(ctx, g.Tag); err != nil {
		return fmt.Errorf("failed to persist generation %s: %w", g.Tag, err)
	}

	// 以降のリクエストは新しい世代で処理される
	vm.current.Store(g)

	names, err := vm.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate caches: %w", err)
	}

	for _, name := range names {
		if g.Owns(name) {
			continue
		}
		if _, err := vm.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("failed to delete stale cache %s: %w", name, err)
		}
		vm.logger.Info("Deleted stale cache", map[string]interface{}{"cache": name})
	}

	vm.logger.Info("Activated cache generation", map[string]interface{}{"generation": g.Tag})
	return nil
}

// resolveURL はマニフェストのパスをオリジン基準の絶対URLにする
func resolveURL(origin, ref string) string {
	base, err := url.Parse(origin)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
