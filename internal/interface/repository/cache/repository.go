package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"gateway/internal/domain"
)

const (
	storePrefix   = "s/"
	entryPrefix   = "e/"
	generationKey = "m/generation"

	maxConflictRetries = 3
)

// Repository はBadgerを使ったキャッシュストレージの実装
// 1つのDBの中に複数の名前付きストアを保持する.
type Repository struct {
	db *badger.DB
}

// Verify interface implementation
var (
	_ domain.CacheStorage    = (*Repository)(nil)
	_ domain.GenerationStore = (*Repository)(nil)
	_ domain.Cache           = (*store)(nil)
)

// New は新しいRepositoryインスタンスを作成
// baseDir が空の場合はインメモリで動作する.
func New(baseDir string) (*Repository, error) {
	opts := badger.DefaultOptions(baseDir).WithLogger(nil)
	if baseDir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close はDBを閉じる
func (r *Repository) Close() error {
	return r.db.Close()
}

func storeKey(name string) []byte {
	return []byte(storePrefix + name)
}

func entryStorePrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryStorePrefix(name), key...)
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid cache name %q", name)
	}
	return nil
}

// Open は名前付きストアを開く(無ければ作成)
func (r *Repository) Open(ctx context.Context, name string) (domain.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(storeKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			created := strconv.FormatInt(time.Now().UnixNano(), 10)
			return txn.Set(storeKey(name), []byte(created))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	return &store{db: r.db, name: name}, nil
}

// Lookup は既存のストアを開く. 無い場合は作成せずに false を返す
func (r *Repository) Lookup(ctx context.Context, name string) (domain.Cache, bool, error) {
	exists, err := r.Has(ctx, name)
	if err != nil || !exists {
		return nil, false, err
	}
	return &store{db: r.db, name: name}, true, nil
}

// PutCurrent は永続化された現在の世代がストアを所有する場合だけエントリを保存する
// 世代の確認、ストアの作成、書き込みは1つのトランザクションで行い、
// 有効化と競合した場合は読み直して判定し直す.
func (r *Repository) PutCurrent(ctx context.Context, name string, entry *domain.CacheEntry) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	if entry.Key == "" {
		return false, errors.New("cache entry without key")
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		stored := false
		err := r.db.Update(func(txn *badger.Txn) error {
			tag, err := readGeneration(txn)
			if err != nil {
				return err
			}
			if tag == "" || !(domain.Generation{Tag: tag}).Owns(name) {
				return nil
			}

			_, err = txn.Get(storeKey(name))
			if errors.Is(err, badger.ErrKeyNotFound) {
				created := strconv.FormatInt(time.Now().UnixNano(), 10)
				err = txn.Set(storeKey(name), []byte(created))
			}
			if err != nil {
				return err
			}

			if err := txn.Set(entryKey(name, entry.Key), data); err != nil {
				return err
			}
			stored = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to store %s in cache %s: %w", entry.Key, name, err)
		}
		return stored, nil
	}
	return false, fmt.Errorf("failed to store %s in cache %s: %w", entry.Key, name, badger.ErrConflict)
}

// Has はストアが存在するかを返す
func (r *Repository) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(storeKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Keys は全ストア名を返す
func (r *Repository) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(storePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), storePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return names, nil
}

// Delete はストアとその全エントリを削除
func (r *Repository) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := r.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	// "s/v21" は "s/v21-images" の接頭辞でもあるため、マーカーは完全一致で削除
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storeKey(name))
	}); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}

	if err := r.db.DropPrefix(entryStorePrefix(name)); err != nil {
		return true, fmt.Errorf("failed to drop entries of cache %s: %w", name, err)
	}
	return true, nil
}

// CurrentGeneration は永続化された現在の世代タグを返す
func (r *Repository) CurrentGeneration(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var tag string
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		tag, err = readGeneration(txn)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read current generation: %w", err)
	}
	return tag, tag != "", nil
}

// SetCurrentGeneration は現在の世代タグを保存
func (r *Repository) SetCurrentGeneration(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(generationKey), []byte(tag))
	})
}

func readGeneration(txn *badger.Txn) (string, error) {
	item, err := txn.Get([]byte(generationKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var tag string
	err = item.Value(func(val []byte) error {
		tag = string(val)
		return nil
	})
	return tag, err
}

// store は単一の名前付きストア
type store struct {
	db   *badger.DB
	name string
}

func (s *store) Name() string {
	return s.name
}

// Get はキャッシュからエントリを取得
func (s *store) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var entry *domain.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(s.name, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = decodeEntry(val)
			return err
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s from cache %s: %w", key, s.name, err)
	}
	return entry, entry != nil, nil
}

// Put はキャッシュにエントリを保存(同一キーは上書き)
func (s *store) Put(ctx context.Context, entry *domain.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Key == "" {
		return errors.New("cache entry without key")
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(s.name, entry.Key), data); err != nil {
			return fmt.Errorf("failed to store %s in cache %s: %w", entry.Key, s.name, err)
		}
		return nil
	})
}

// Delete はキャッシュからエントリを削除
func (s *store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(s.name, key))
	})
}

// List は全エントリのメタデータを返す
func (s *store) List(ctx context.Context) ([]domain.EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []domain.EntryInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryStorePrefix(s.name)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				info, err := decodeInfo(val)
				if err != nil {
					return err
				}
				infos = append(infos, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache %s: %w", s.name, err)
	}
	return infos, nil
}
