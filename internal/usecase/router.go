package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"gateway/internal/domain"
)

// GenerationSource は現在の世代を提供する
type GenerationSource interface {
	Current() domain.Generation
}

// MutationQueue は失敗したリクエストを受け取るリトライキュー
type MutationQueue interface {
	Enqueue(ctx context.Context, req *domain.Request) (*domain.QueuedMutation, error)
}

// RouterConfig はルーティングルールの設定
type RouterConfig struct {
	Origin        *url.URL
	ChatURL       *url.URL
	DataExtension string
}

// DefaultRules はゲートウェイのルール一覧を優先順に返す
func DefaultRules(cfg RouterConfig) []domain.RoutingRule {
	dataExt := cfg.DataExtension
	if dataExt == "" {
		dataExt = ".json"
	}

	return []domain.RoutingRule{
		{
			Name:     "chat",
			Match:    func(req *domain.Request) bool { return sameEndpoint(req.URL, cfg.ChatURL) },
			Strategy: domain.NetworkOnly,
			Retry:    true,
		},
		{
			Name: "passthrough",
			Match: func(req *domain.Request) bool {
				return req.Method != http.MethodGet || !req.SameOrigin(cfg.Origin)
			},
			Strategy: domain.NetworkOnly,
		},
		{
			Name: "assets",
			Match: func(req *domain.Request) bool {
				switch req.Destination() {
				case domain.DestinationDocument, domain.DestinationScript,
					domain.DestinationStyle, domain.DestinationWorker:
					return true
				}
				return strings.HasSuffix(strings.ToLower(req.URL.Path), dataExt)
			},
			Strategy: domain.StaleWhileRevalidate,
			Cache:    domain.AssetCache,
		},
		{
			Name:     "images",
			Match:    func(req *domain.Request) bool { return req.Destination() == domain.DestinationImage },
			Strategy: domain.CacheFirst,
			Cache:    domain.ImageCache,
		},
	}
}

// fallthroughRule はどのルールにも一致しない場合に使われる
var fallthroughRule = domain.RoutingRule{Name: "fallthrough", Strategy: domain.NetworkOnly}

// sameEndpoint はクエリを除いたURLが一致するかを判定
func sameEndpoint(u, endpoint *url.URL) bool {
	if u == nil || endpoint == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, endpoint.Scheme) &&
		strings.EqualFold(u.Host, endpoint.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(endpoint.Path, "/")
}

// Router はリクエストを分類してキャッシュ戦略を適用する
type Router struct {
	rules      []domain.RoutingRule
	storage    domain.CacheStorage
	versions   GenerationSource
	fetcher    domain.Fetcher
	queue      MutationQueue
	metrics    domain.MetricsCollector
	logger     domain.Logger
	expiration domain.ExpirationPolicy
	now        func() time.Time

	refreshes sync.WaitGroup
}

// NewRouter は新しいRouterインスタンスを作成
func NewRouter(
	rules []domain.RoutingRule,
	storage domain.CacheStorage,
	versions GenerationSource,
	fetcher domain.Fetcher,
	queue MutationQueue,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	expiration domain.ExpirationPolicy,
) *Router {
	return &Router{
		rules:      rules,
		storage:    storage,
		versions:   versions,
		fetcher:    fetcher,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		expiration: expiration,
		now:        time.Now,
	}
}

// Match は最初に一致したルールを返す
func (r *Router) Match(req *domain.Request) domain.RoutingRule {
	for _, rule := range r.rules {
		if rule.Match(req) {
			return rule
		}
	}
	return fallthroughRule
}

// CacheNameFor はリクエストが使うストア名を返す(キャッシュしない場合は空)
func (r *Router) CacheNameFor(req *domain.Request) string {
	return r.Match(req).Cache.CacheName(r.versions.Current())
}

// Handle はリクエストを処理してレスポンスを返す
func (r *Router) Handle(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	rule := r.Match(req)
	r.metrics.RecordRequest(rule.Strategy)

	cacheName := rule.Cache.CacheName(r.versions.Current())
	if rule.Cache != domain.NoCache && cacheName == "" {
		// インストール前はキャッシュを使わない
		return r.fetcher.Fetch(ctx, req)
	}

	switch rule.Strategy {
	case domain.StaleWhileRevalidate:
		return r.staleWhileRevalidate(ctx, req, cacheName)
	case domain.CacheFirst:
		return r.cacheFirst(ctx, req, cacheName)
	default:
		return r.networkOnly(ctx, req, rule)
	}
}

// Wait はバックグラウンドの再検証が全て終わるまで待つ
func (r *Router) Wait() {
	r.refreshes.Wait()
}

// staleWhileRevalidate はキャッシュがあれば即座に返し、裏で更新する
func (r *Router) staleWhileRevalidate(ctx context.Context, req *domain.Request, cacheName string) (*domain.Response, error) {
	entry, found := r.lookup(ctx, cacheName, req)
	if found {
		r.metrics.RecordCacheHit(cacheName)
		r.revalidate(ctx, req, cacheName)
		return entry.Response(), nil
	}

	r.metrics.RecordCacheMiss(cacheName)
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.metrics.RecordError()
		return nil, fmt.Errorf("%w: %w", domain.ErrNotCached, err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := r.store(ctx, cacheName, req, resp); err != nil {
			r.logger.Error("Failed to cache response", err, map[string]interface{}{
				"cache": cacheName,
				"url":   req.URL.String(),
			})
		}
	}
	return resp, nil
}

// revalidate は呼び出し元を待たせずにエントリを更新する
// 呼び出し元のコンテキストがキャンセルされても処理を続ける.
func (r *Router) revalidate(ctx context.Context, req *domain.Request, cacheName string) {
	bg := context.WithoutCancel(ctx)
	refresh := req.Clone()

	r.refreshes.Add(1)
	go func() {
		defer r.refreshes.Done()

		resp, err := r.fetcher.Fetch(bg, refresh)
		if err != nil {
			r.metrics.RecordRevalidation(cacheName, false)
			r.logger.Debug("Background revalidation failed", map[string]interface{}{
				"url":   refresh.URL.String(),
				"error": err.Error(),
			})
			return
		}
		if resp.StatusCode != http.StatusOK {
			r.metrics.RecordRevalidation(cacheName, false)
			return
		}

		if err := r.store(bg, cacheName, refresh, resp); err != nil {
			r.metrics.RecordRevalidation(cacheName, false)
			r.logger.Error("Failed to store revalidated response", err, map[string]interface{}{
				"url": refresh.URL.String(),
			})
			return
		}
		r.metrics.RecordRevalidation(cacheName, true)
	}()
}

// cacheFirst は期限内のキャッシュがあればネットワークに行かない
// ネットワーク失敗時は期限切れでもキャッシュを返す.
func (r *Router) cacheFirst(ctx context.Context, req *domain.Request, cacheName string) (*domain.Response, error) {
	entry, found := r.lookup(ctx, cacheName, req)
	if found && !r.expiration.Expired(entry.StoredAt, r.now()) {
		r.metrics.RecordCacheHit(cacheName)
		return entry.Response(), nil
	}

	r.metrics.RecordCacheMiss(cacheName)
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		if found {
			r.logger.Info("Serving stale cache entry", map[string]interface{}{
				"url":   req.URL.String(),
				"error": err.Error(),
			})
			return entry.Response(), nil
		}
		r.metrics.RecordError()
		return nil, fmt.Errorf("%w: %w", domain.ErrNotCached, err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := r.store(ctx, cacheName, req, resp); err != nil {
			r.logger.Error("Failed to cache response", err, map[string]interface{}{
				"cache": cacheName,
				"url":   req.URL.String(),
			})
		} else if err := r.enforceExpiration(ctx, cacheName); err != nil {
			r.logger.Error("Failed to enforce cache expiration", err, map[string]interface{}{
				"cache": cacheName,
			})
		}
	}
	return resp, nil
}

// networkOnly はキャッシュを使わずに送信する
// 失敗時にリトライが付いていればキューへ回す.
func (r *Router) networkOnly(ctx context.Context, req *domain.Request, rule domain.RoutingRule) (*domain.Response, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}

	r.metrics.RecordError()
	if !rule.Retry || r.queue == nil {
		return nil, err
	}

	m, qerr := r.queue.Enqueue(ctx, req)
	if qerr != nil {
		r.logger.Error("Failed to queue request", qerr, map[string]interface{}{
			"url": req.URL.String(),
		})
		return nil, err
	}
	return nil, &domain.ErrQueued{ID: m.ID, Err: err}
}

// lookup はストアからエントリを探す
// 読み取りではストアを作成しない.
func (r *Router) lookup(ctx context.Context, cacheName string, req *domain.Request) (*domain.CacheEntry, bool) {
	c, exists, err := r.storage.Lookup(ctx, cacheName)
	if err != nil || !exists {
		return nil, false
	}

	entry, found, err := c.Get(ctx, req.Key())
	if err != nil {
		r.logger.Error("Failed to read cache", err, map[string]interface{}{
			"cache": cacheName,
			"key":   req.Key(),
		})
		return nil, false
	}
	return entry, found
}

// store はレスポンスを保存する
// 世代が切り替わった後の書き込みは捨てる.
func (r *Router) store(ctx context.Context, cacheName string, req *domain.Request, resp *domain.Response) error {
	if !r.versions.Current().Owns(cacheName) {
		return nil
	}

	stored, err := r.storage.PutCurrent(ctx, cacheName, domain.NewCacheEntry(req, resp, r.now()))
	if err != nil {
		return err
	}
	if !stored {
		r.logger.Debug("Dropped write to inactive cache", map[string]interface{}{
			"cache": cacheName,
			"key":   req.Key(),
		})
	}
	return nil
}

// enforceExpiration は期限切れのエントリを削除し、上限を超えた分を古い順に削除する
func (r *Router) enforceExpiration(ctx context.Context, cacheName string) error {
	c, exists, err := r.storage.Lookup(ctx, cacheName)
	if err != nil || !exists {
		return err
	}

	infos, err := c.List(ctx)
	if err != nil {
		return err
	}

	now := r.now()
	var (
		evict []string
		keep  []domain.EntryInfo
	)
	for _, info := range infos {
		if r.expiration.Expired(info.StoredAt, now) {
			evict = append(evict, info.Key)
			continue
		}
		keep = append(keep, info)
	}

	if limit := r.expiration.MaxEntries; limit > 0 && len(keep) > limit {
		sort.SliceStable(keep, func(i, j int) bool {
			return keep[i].StoredAt.Before(keep[j].StoredAt)
		})
		for _, info := range keep[:len(keep)-limit] {
			evict = append(evict, info.Key)
		}
	}

	for _, key := range evict {
		if err := c.Delete(ctx, key); err != nil {
			return err
		}
	}

	if len(evict) > 0 {
		r.metrics.RecordEviction(cacheName, len(evict))
		r.logger.Debug("Evicted cache entries", map[string]interface{}{
			"cache":   cacheName,
			"evicted": len(evict),
		})
	}
	return nil
}
