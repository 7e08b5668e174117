package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"gateway/internal/interface/site"
)

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Serve the portfolio assets and a local chat endpoint",
	Long: `site serves the static portfolio files from site.root together with a
stub chat endpoint, so the gateway can be exercised without the real
backend. Point origin.url and chat.url at this server.`,
	RunE: runSite,
}

func runSite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := site.New(site.Config{
		Root:        cfg.Site.Root,
		ChatPath:    cfg.Chat.Path,
		ChatLatency: cfg.Site.ChatLatency,
	}, log)

	server := &http.Server{
		Addr:    cfg.Site.Addr,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Starting site server", map[string]interface{}{
			"addr": cfg.Site.Addr,
			"root": cfg.Site.Root,
		})
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		log.Info("Shutdown signal received", nil)
	case err := <-errc:
		log.Error("Site server error", err, nil)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}
