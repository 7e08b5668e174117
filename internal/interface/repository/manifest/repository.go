package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"gateway/internal/domain"
)

// ChangeFunc はマニフェストを読み直すたびに呼ばれる
// 世代が有効かどうかの判断は呼び出し側が行う.
type ChangeFunc func(ctx context.Context, m *domain.Manifest)

// Repository はアセットマニフェストのリポジトリ実装
type Repository struct {
	mu       sync.RWMutex
	path     string
	manifest *domain.Manifest
	logger   domain.Logger
}

// New は新しいRepositoryインスタンスを作成
// ファイルが無い場合はデフォルトのマニフェストを書き出す.
func New(path string, logger domain.Logger) (*Repository, error) {
	r := &Repository{
		path:   path,
		logger: logger,
	}

	// 初期ロード
	if _, err := r.Reload(); err != nil {
		return nil, err
	}

	return r, nil
}

// Current は現在のマニフェストを返す
func (r *Repository) Current() *domain.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// Reload はマニフェストを再読み込みし、世代タグが変わったかを返す
func (r *Repository) Reload() (bool, error) {
	file, err := loadManifestFile(r.path)
	if err != nil {
		return false, fmt.Errorf("failed to load manifest %s: %w", r.path, err)
	}

	m, err := file.prepare()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	changed := r.manifest == nil || r.manifest.Generation != m.Generation
	r.manifest = m
	r.mu.Unlock()

	r.logger.Info("Loaded asset manifest", map[string]interface{}{
		"generation": m.Generation,
		"assets":     len(m.Assets),
	})
	return changed, nil
}

// Watch はマニフェストの変更を監視し、読み直しに成功するたびに onChange を呼ぶ
// ctx がキャンセルされるまでブロックする.
func (r *Repository) Watch(ctx context.Context, onChange ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// エディタの置き換え保存に追従するためディレクトリを監視
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch manifest directory: %w", err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target ||
				!(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if _, err := r.Reload(); err != nil {
				r.logger.Error("Error reloading manifest", err, nil)
				continue
			}
			onChange(ctx, r.Current())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("Manifest watcher error", err, nil)
		}
	}
}
