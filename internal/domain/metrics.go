package domain

import (
	"encoding/json"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	RecordRequest(strategy Strategy)
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
	RecordRevalidation(cache string, ok bool)
	RecordEviction(cache string, n int)
	RecordQueued()
	RecordReplay(ok bool)
	RecordExpired(n int)
	SetQueueLength(n int)
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	TotalRequests      int64     `json:"total_requests"`
	CacheHits          int64     `json:"cache_hits"`
	CacheMisses        int64     `json:"cache_misses"`
	Revalidations      int64     `json:"revalidations"`
	RevalidationErrors int64     `json:"revalidation_errors"`
	Evictions          int64     `json:"evictions"`
	QueuedMutations    int64     `json:"queued_mutations"`
	ReplayedMutations  int64     `json:"replayed_mutations"`
	ReplayFailures     int64     `json:"replay_failures"`
	ExpiredMutations   int64     `json:"expired_mutations"`
	QueueLength        int64     `json:"queue_length"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換.
func (ms *MetricsSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(ms, "", "  ")
}
