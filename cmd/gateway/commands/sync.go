package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gateway/internal/config"
	"gateway/internal/interface/connection"
	"gateway/internal/interface/repository/logger"
	"gateway/internal/interface/repository/metrics"
	"gateway/internal/interface/repository/queue"
	"gateway/internal/usecase"
)

var syncServer string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued chat submissions now",
	Long: `sync drops queued submissions older than queue.retention and replays
the rest in the order they were queued. Replay stops at the first failure;
remaining entries are kept for the next sync.

With --server the sync is triggered on a running gateway instead.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncServer, "server", "", "URL of a running gateway (e.g. http://127.0.0.1:10080)")
}

// queueApp はキャッシュを開かずにキューだけを扱う構成
// Badgerは複数プロセスから開けないため、サーバ稼働中でも使える.
type queueApp struct {
	mutations *queue.Repository
	fetcher   *connection.Fetcher
	monitor   *connection.Monitor
	queue     *usecase.RetryQueue
}

func newQueueApp(cfg *config.Config, log *logger.Repository) (*queueApp, error) {
	chat, err := cfg.ChatURL()
	if err != nil {
		return nil, err
	}
	probes, err := connection.ProbeAddresses(chat)
	if err != nil {
		return nil, err
	}

	mutations, err := queue.New(cfg.Queue.Path)
	if err != nil {
		return nil, err
	}

	fetcher := newFetcher(cfg)
	monitor := connection.NewMonitor(connection.MonitorConfig{
		Addresses:     probes,
		ProbeInterval: cfg.Monitor.ProbeInterval,
		SyncInterval:  cfg.Monitor.SyncInterval,
		DialTimeout:   cfg.Monitor.DialTimeout,
	}, log)

	return &queueApp{
		mutations: mutations,
		fetcher:   fetcher,
		monitor:   monitor,
		queue: usecase.NewRetryQueue(mutations, fetcher, monitor, metrics.New(""), log, usecase.RetryConfig{
			Retention:   cfg.Queue.Retention,
			ReplayRate:  cfg.Queue.ReplayRate,
			ReplayBurst: cfg.Queue.ReplayBurst,
		}),
	}, nil
}

func (a *queueApp) Close() error {
	a.fetcher.CloseIdle()
	return a.mutations.Close()
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if syncServer != "" {
		result, err := postControl(ctx, syncServer, cfg.Server.ControlPrefix, "/sync")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sync %v, %v pending\n", result["status"], result["pending"])
		return nil
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newQueueApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.queue.Resume(ctx); err != nil {
		return err
	}
	if !a.monitor.IsRegistered(usecase.SyncTag) {
		fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
		return nil
	}
	// オフラインから復帰した扱いになるため Check が登録済みハンドラを呼ぶ
	if !a.monitor.Check(ctx) {
		return errors.New("upstream is unreachable, queue kept for the next sync")
	}

	n, err := a.queue.Len(ctx)
	if err != nil {
		return err
	}
	if a.monitor.IsRegistered(usecase.SyncTag) {
		return fmt.Errorf("sync stopped with %d pending, see the log for the failed entry", n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sync complete, %d pending\n", n)
	return nil
}
