package usecase

import (
	"fmt"
	"time"

	"gateway/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// metricsSaver はスナップショットを永続化できるコレクター
type metricsSaver interface {
	SaveMetrics(*domain.MetricsSnapshot) error
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start は定期保存を開始
func (uc *MetricsUseCase) Start() {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	go uc.startPeriodicSave()
}

// Stop は定期保存を停止し、最後のスナップショットを保存
func (uc *MetricsUseCase) Stop() error {
	uc.logger.Info("Stopping metrics collection", nil)
	close(uc.done)
	return uc.saveMetrics()
}

// startPeriodicSave は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) startPeriodicSave() {
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	saver, ok := uc.metrics.(metricsSaver)
	if !ok {
		return nil
	}
	if err := saver.SaveMetrics(uc.GetMetricsSnapshot()); err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	snapshot := uc.metrics.GetSnapshot()
	snapshot.Timestamp = time.Now()
	return snapshot
}
