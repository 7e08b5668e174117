package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"gateway/internal/interface/handler"
	"gateway/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ロガーの初期化
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize gateway", err, nil)
		return err
	}
	defer a.Close()

	// シャットダウンハンドラの設定
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := a.versions.Restore(ctx); err != nil {
		return err
	}
	if cfg.Cache.InstallOnStartup {
		// 失敗しても前の世代のまま動作を続ける
		if err := a.installCurrent(ctx); err != nil {
			log.Error("Startup install failed", err, map[string]interface{}{
				"generation": a.versions.Current().Tag,
			})
			a.monitor.Register(usecase.InstallTag, a.installCurrent)
		}
	}
	if err := a.queue.Resume(ctx); err != nil {
		log.Error("Failed to resume retry queue", err, nil)
	}

	if cfg.Manifest.Watch {
		go func() {
			err := a.manifest.Watch(ctx, a.applyManifest)
			if err != nil {
				log.Error("Manifest watcher stopped", err, nil)
			}
		}()
	}

	metricsUseCase := usecase.NewMetricsUseCase(a.metrics, log, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})
	metricsUseCase.Start()

	controlHandler := handler.NewControlHandler(
		metricsUseCase,
		a.metrics.Registry(),
		a.versions,
		a.queue,
		a.monitor,
		a.reinstall,
		log,
	)
	// 配信されずに破棄されたメッセージは /queue で確認できる
	a.queue.OnExpire(controlHandler.RecordExpired)
	go a.monitor.Run(ctx)

	gatewayHandler := handler.NewGatewayHandler(a.router, handler.GatewayConfig{
		Origin:       a.origin,
		ChatPath:     cfg.Chat.Path,
		ChatURL:      a.chat,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount(cfg.Server.ControlPrefix, controlHandler.Routes())
	r.Handle("/*", gatewayHandler)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	// サーバーの起動
	go func() {
		log.Info("Starting gateway server", map[string]interface{}{
			"addr":       cfg.Server.Addr,
			"origin":     a.origin.String(),
			"generation": a.versions.Current().Tag,
		})
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("Gateway server error", err, nil)
			cancel()
		}
	}()

	// シグナル待機
	select {
	case <-signalChan:
		log.Info("Shutdown signal received", nil)
	case <-ctx.Done():
		log.Info("Shutdown initiated", nil)
	}

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down gateway server", err, nil)
	}
	cancel()

	// 実行中の再検証がストアに書き終わるまで待つ
	a.router.Wait()

	if err := metricsUseCase.Stop(); err != nil {
		log.Error("Failed to save final metrics", err, nil)
	}

	log.Info("Shutdown complete", nil)
	return nil
}
