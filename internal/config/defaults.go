package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultChatURL はポートフォリオのチャットAPI
const DefaultChatURL = "https://portfolio-backend-hu1r.onrender.com/chat"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":10080")
	v.SetDefault("server.control_prefix", "/_gateway")
	v.SetDefault("server.max_body_bytes", 10*1024*1024)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("origin.url", "http://127.0.0.1:10090")
	v.SetDefault("origin.timeout", 30*time.Second)
	v.SetDefault("origin.dial_timeout", 10*time.Second)
	v.SetDefault("origin.max_idle", 16)
	v.SetDefault("origin.idle_timeout", 90*time.Second)
	v.SetDefault("origin.max_body_bytes", 32*1024*1024)

	v.SetDefault("chat.url", DefaultChatURL)
	v.SetDefault("chat.path", "/chat")

	v.SetDefault("cache.dir", "./cache")
	v.SetDefault("cache.data_extension", ".json")
	v.SetDefault("cache.image_max_entries", 60)
	v.SetDefault("cache.image_max_age", 30*24*time.Hour)
	v.SetDefault("cache.skip_waiting", true)
	v.SetDefault("cache.install_on_startup", true)

	v.SetDefault("queue.path", "./data/queue.db")
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.replay_rate", 2.0)
	v.SetDefault("queue.replay_burst", 1)

	v.SetDefault("monitor.probe_interval", 15*time.Second)
	v.SetDefault("monitor.sync_interval", 5*time.Minute)
	v.SetDefault("monitor.dial_timeout", 5*time.Second)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 10*1024*1024)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("metrics.file", "./logs/metrics.json")
	v.SetDefault("metrics.save_interval", time.Minute)

	v.SetDefault("manifest.path", "./configs/manifest.yaml")
	v.SetDefault("manifest.watch", true)

	v.SetDefault("site.addr", ":10090")
	v.SetDefault("site.root", "./public")
	v.SetDefault("site.chat_latency", 0)
}

// Default はデフォルト値のみの設定を返す
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// デフォルト値は常にデコード可能
	_ = v.Unmarshal(&cfg)
	return &cfg
}
