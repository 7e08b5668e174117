package usecase

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"gateway/internal/domain"
	"gateway/internal/interface/connection"
	"gateway/internal/interface/repository/cache"
	"gateway/internal/interface/repository/logger"
	"gateway/internal/interface/repository/metrics"
	"gateway/internal/interface/repository/queue"
)

// testOrigin はアクセス回数を数えるオリジンサーバー
type testOrigin struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	bodies   map[string]string
	statuses map[string]int
	received []*http.Request
	payloads [][]byte
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{
		hits:     make(map[string]int),
		bodies:   make(map[string]string),
		statuses: make(map[string]int),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.received = append(o.received, r.Clone(context.Background()))
	o.payloads = append(o.payloads, body)
	status, ok := o.statuses[r.URL.Path]
	content, found := o.bodies[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		status = http.StatusOK
		if !found {
			status = http.StatusNotFound
		}
	}
	w.WriteHeader(status)
	w.Write([]byte(content))
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *testOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[path] = status
}

func (o *testOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) lastRequest() (*http.Request, []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.received) == 0 {
		return nil, nil
	}
	return o.received[len(o.received)-1], o.payloads[len(o.payloads)-1]
}

// switchFetcher はオフライン状態を再現できるFetcher
type switchFetcher struct {
	inner   domain.Fetcher
	offline atomic.Bool
}

func (f *switchFetcher) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if f.offline.Load() {
		return nil, &domain.ErrNetwork{URL: req.URL.String(), Err: io.ErrUnexpectedEOF}
	}
	return f.inner.Fetch(ctx, req)
}

// gatewayFixture はユースケース一式を組み立てる
type gatewayFixture struct {
	origin   *testOrigin
	fetcher  *switchFetcher
	caches   *cache.Repository
	mutation *queue.Repository
	metrics  *metrics.Repository
	monitor  *connection.Monitor
	versions *VersionManager
	queue    *RetryQueue
	router   *Router
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	log := logger.Nop()

	origin := newTestOrigin(t)
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	chatURL, err := url.Parse(origin.URL + "/chat")
	require.NoError(t, err)

	caches, err := cache.New("")
	require.NoError(t, err)
	t.Cleanup(func() { caches.Close() })

	mutations, err := queue.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mutations.Close() })

	fetcher := &switchFetcher{inner: connection.NewFetcher(connection.DefaultFetcherConfig())}
	collector := metrics.New("")
	monitor := connection.NewMonitor(connection.MonitorConfig{Addresses: []string{originURL.Host}}, log)

	versions := NewVersionManager(caches, caches, fetcher, log, VersionConfig{
		Origin:      origin.URL,
		SkipWaiting: true,
	})
	retryCfg := DefaultRetryConfig()
	retryCfg.ReplayRate = 0
	retry := NewRetryQueue(mutations, fetcher, monitor, collector, log, retryCfg)

	rules := DefaultRules(RouterConfig{Origin: originURL, ChatURL: chatURL})
	router := NewRouter(rules, caches, versions, fetcher, retry, collector, log, domain.DefaultExpirationPolicy())
	t.Cleanup(router.Wait)

	return &gatewayFixture{
		origin:   origin,
		fetcher:  fetcher,
		caches:   caches,
		mutation: mutations,
		metrics:  collector,
		monitor:  monitor,
		versions: versions,
		queue:    retry,
		router:   router,
	}
}

// routerWith はストレージだけを差し替えたRouterを作る
func (f *gatewayFixture) routerWith(t *testing.T, storage domain.CacheStorage) *Router {
	t.Helper()
	originURL, err := url.Parse(f.origin.URL)
	require.NoError(t, err)
	chatURL, err := url.Parse(f.origin.URL + "/chat")
	require.NoError(t, err)

	rules := DefaultRules(RouterConfig{Origin: originURL, ChatURL: chatURL})
	router := NewRouter(rules, storage, f.versions, f.fetcher, f.queue, f.metrics, logger.Nop(), domain.DefaultExpirationPolicy())
	t.Cleanup(router.Wait)
	return router
}

// hookedStorage は最初の読み取り/書き込みの直前に hook を1回だけ呼ぶ
type hookedStorage struct {
	domain.CacheStorage

	beforeLookup func()
	beforePut    func()
	lookupOnce   sync.Once
	putOnce      sync.Once
}

func (s *hookedStorage) Lookup(ctx context.Context, name string) (domain.Cache, bool, error) {
	if s.beforeLookup != nil {
		s.lookupOnce.Do(s.beforeLookup)
	}
	return s.CacheStorage.Lookup(ctx, name)
}

func (s *hookedStorage) PutCurrent(ctx context.Context, name string, entry *domain.CacheEntry) (bool, error) {
	if s.beforePut != nil {
		s.putOnce.Do(s.beforePut)
	}
	return s.CacheStorage.PutCurrent(ctx, name, entry)
}

func (f *gatewayFixture) request(t *testing.T, method, path string, headers http.Header, body []byte) *domain.Request {
	t.Helper()
	req, err := domain.NewRequest(method, f.origin.URL+path, headers, body)
	require.NoError(t, err)
	return req
}

func (f *gatewayFixture) cacheKeys(t *testing.T, name string) []string {
	t.Helper()
	c, exists, err := f.caches.Lookup(context.Background(), name)
	require.NoError(t, err)
	if !exists {
		return nil
	}
	infos, err := c.List(context.Background())
	require.NoError(t, err)

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}
