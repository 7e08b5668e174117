package domain

import (
	"context"
	"net/http"
	"time"
)

// CacheStorage は名前付きキャッシュストアの集合を管理するインターフェース.
// Lookup は既存のストアだけを返し、PutCurrent は現在の世代が所有する
// ストアにだけ書き込む. どちらも削除済みのストアを作り直さない.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Lookup(ctx context.Context, name string) (Cache, bool, error)
	PutCurrent(ctx context.Context, name string, entry *CacheEntry) (bool, error)
	Has(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache は単一のキャッシュストアのインターフェース.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]EntryInfo, error)
}

// GenerationStore は現在のキャッシュ世代を永続化する.
type GenerationStore interface {
	CurrentGeneration(ctx context.Context) (string, bool, error)
	SetCurrentGeneration(ctx context.Context, tag string) error
}

// CacheEntry はキャッシュのエントリを表す.
type CacheEntry struct {
	Key        string
	StatusCode int
	Headers    http.Header
	Data       []byte
	StoredAt   time.Time
}

// EntryInfo はエントリ本体を含まないメタデータ.
type EntryInfo struct {
	Key      string
	Size     int64
	StoredAt time.Time
}

// NewCacheEntry はレスポンスからエントリを作成.
func NewCacheEntry(req *Request, resp *Response, storedAt time.Time) *CacheEntry {
	return &CacheEntry{
		Key:        req.Key(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers.Clone(),
		Data:       resp.Body,
		StoredAt:   storedAt,
	}
}

// Response はエントリをレスポンスとして返す.
func (e *CacheEntry) Response() *Response {
	return &Response{
		StatusCode:  e.StatusCode,
		Headers:     e.Headers.Clone(),
		Body:        e.Data,
		IsFromCache: true,
		CreatedAt:   e.StoredAt,
	}
}

// ExpirationPolicy は画像キャッシュの上限を表す.
type ExpirationPolicy struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultExpirationPolicy は 60 件 / 30 日.
func DefaultExpirationPolicy() ExpirationPolicy {
	return ExpirationPolicy{
		MaxEntries: 60,
		MaxAge:     30 * 24 * time.Hour,
	}
}

// Expired は保存時刻が上限年齢を超えているかを返す.
func (p ExpirationPolicy) Expired(storedAt, now time.Time) bool {
	return p.MaxAge > 0 && now.Sub(storedAt) > p.MaxAge
}
