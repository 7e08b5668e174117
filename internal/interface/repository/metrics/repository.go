package metrics

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gateway/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
// Prometheus のコレクターに記録しつつ、スナップショット用の値を保持する.
type Repository struct {
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry

	requests      *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	queued        prometheus.Counter
	replays       *prometheus.CounterVec
	expired       prometheus.Counter
	queueLength   prometheus.Gauge
	errorsTotal   prometheus.Counter

	totalRequests      int64
	totalHits          int64
	totalMisses        int64
	totalRevalidations int64
	totalRevalErrors   int64
	totalEvictions     int64
	totalQueued        int64
	totalReplayed      int64
	totalReplayFails   int64
	totalExpired       int64
	currentQueueLength int64
	totalErrors        int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of intercepted requests by strategy",
		}, []string{"strategy"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of cache hits by cache name",
		}, []string{"cache"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of cache misses by cache name",
		}, []string{"cache"}),
		revalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_revalidations_total",
			Help: "Total number of background revalidations by cache and result",
		}, []string{"cache", "result"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_evictions_total",
			Help: "Total number of entries evicted by the expiration policy",
		}, []string{"cache"}),
		queued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_queue_enqueued_total",
			Help: "Total number of failed mutations queued for replay",
		}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_queue_replays_total",
			Help: "Total number of replay attempts by result",
		}, []string{"result"}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_queue_expired_total",
			Help: "Total number of queued mutations dropped after the retention window",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_length",
			Help: "Current number of queued mutations",
		}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total number of errors",
		}),
	}
}

// Registry はPrometheusのレジストリを返す
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

// SaveMetrics はメトリクスをファイルに保存
// 保存先が空の場合は何もしない.
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	data, err := snapshot.ToJSON()
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) RecordRequest(strategy domain.Strategy) {
	atomic.AddInt64(&r.totalRequests, 1)
	r.requests.WithLabelValues(strategy.String()).Inc()
}

func (r *Repository) RecordCacheHit(cache string) {
	atomic.AddInt64(&r.totalHits, 1)
	r.cacheHits.WithLabelValues(cache).Inc()
}

func (r *Repository) RecordCacheMiss(cache string) {
	atomic.AddInt64(&r.totalMisses, 1)
	r.cacheMisses.WithLabelValues(cache).Inc()
}

func (r *Repository) RecordRevalidation(cache string, ok bool) {
	result := "ok"
	if ok {
		atomic.AddInt64(&r.totalRevalidations, 1)
	} else {
		result = "error"
		atomic.AddInt64(&r.totalRevalErrors, 1)
	}
	r.revalidations.WithLabelValues(cache, result).Inc()
}

func (r *Repository) RecordEviction(cache string, n int) {
	atomic.AddInt64(&r.totalEvictions, int64(n))
	r.evictions.WithLabelValues(cache).Add(float64(n))
}

func (r *Repository) RecordQueued() {
	atomic.AddInt64(&r.totalQueued, 1)
	r.queued.Inc()
}

func (r *Repository) RecordReplay(ok bool) {
	result := "ok"
	if ok {
		atomic.AddInt64(&r.totalReplayed, 1)
	} else {
		result = "error"
		atomic.AddInt64(&r.totalReplayFails, 1)
	}
	r.replays.WithLabelValues(result).Inc()
}

func (r *Repository) RecordExpired(n int) {
	atomic.AddInt64(&r.totalExpired, int64(n))
	r.expired.Add(float64(n))
}

func (r *Repository) SetQueueLength(n int) {
	atomic.StoreInt64(&r.currentQueueLength, int64(n))
	r.queueLength.Set(float64(n))
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.totalErrors, 1)
	r.errorsTotal.Inc()
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		TotalRequests:      atomic.LoadInt64(&r.totalRequests),
		CacheHits:          atomic.LoadInt64(&r.totalHits),
		CacheMisses:        atomic.LoadInt64(&r.totalMisses),
		Revalidations:      atomic.LoadInt64(&r.totalRevalidations),
		RevalidationErrors: atomic.LoadInt64(&r.totalRevalErrors),
		Evictions:          atomic.LoadInt64(&r.totalEvictions),
		QueuedMutations:    atomic.LoadInt64(&r.totalQueued),
		ReplayedMutations:  atomic.LoadInt64(&r.totalReplayed),
		ReplayFailures:     atomic.LoadInt64(&r.totalReplayFails),
		ExpiredMutations:   atomic.LoadInt64(&r.totalExpired),
		QueueLength:        atomic.LoadInt64(&r.currentQueueLength),
		Errors:             atomic.LoadInt64(&r.totalErrors),
		Uptime:             time.Since(r.startTime).Truncate(time.Second).String(),
	}
}
