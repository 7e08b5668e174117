// Package commands はゲートウェイのCLIコマンドを実装する.
package commands

import (
	"github.com/spf13/cobra"

	"gateway/internal/config"
)

var (
	// ビルド時に ldflags で埋め込まれる
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Offline cache and retry gateway for the portfolio site",
	Long: `gateway sits between the portfolio pages and the network. It serves
documents, scripts, styles and data files stale-while-revalidate, images
cache-first, and queues failed chat submissions for replay once the
upstream is reachable again.

Configuration is read from gateway.yaml, GATEWAY_* environment variables
and a .env file in the working directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gateway.yaml or ./configs/gateway.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(siteCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig は設定を読み込み、フラグの上書きを適用する
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
