package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix は環境変数の接頭辞
const EnvPrefix = "GATEWAY"

// Config はゲートウェイ全体の設定
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Origin   OriginConfig   `mapstructure:"origin" yaml:"origin"`
	Chat     ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Manifest ManifestConfig `mapstructure:"manifest" yaml:"manifest"`
	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
}

// ServerConfig はゲートウェイのHTTPサーバー設定
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	ControlPrefix   string        `mapstructure:"control_prefix" validate:"required,startswith=/" yaml:"control_prefix"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0" yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// OriginConfig はポートフォリオサイトのオリジン設定
type OriginConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url" yaml:"url"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gt=0" yaml:"dial_timeout"`
	MaxIdle      int           `mapstructure:"max_idle" validate:"gte=1" yaml:"max_idle"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gt=0" yaml:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"gt=0" yaml:"max_body_bytes"`
}

// ChatConfig はチャットAPIの設定
type ChatConfig struct {
	URL  string `mapstructure:"url" validate:"required,url" yaml:"url"`
	Path string `mapstructure:"path" validate:"required,startswith=/" yaml:"path"`
}

// CacheConfig はキャッシュストアの設定
type CacheConfig struct {
	Dir              string        `mapstructure:"dir" yaml:"dir"`
	DataExtension    string        `mapstructure:"data_extension" validate:"required,startswith=." yaml:"data_extension"`
	ImageMaxEntries  int           `mapstructure:"image_max_entries" validate:"gte=0" yaml:"image_max_entries"`
	ImageMaxAge      time.Duration `mapstructure:"image_max_age" validate:"gte=0" yaml:"image_max_age"`
	SkipWaiting      bool          `mapstructure:"skip_waiting" yaml:"skip_waiting"`
	InstallOnStartup bool          `mapstructure:"install_on_startup" yaml:"install_on_startup"`
}

// QueueConfig はリトライキューの設定
type QueueConfig struct {
	Path        string        `mapstructure:"path" validate:"required" yaml:"path"`
	Retention   time.Duration `mapstructure:"retention" validate:"gt=0" yaml:"retention"`
	ReplayRate  float64       `mapstructure:"replay_rate" validate:"gte=0" yaml:"replay_rate"`
	ReplayBurst int           `mapstructure:"replay_burst" validate:"gte=0" yaml:"replay_burst"`
}

// MonitorConfig は接続監視の設定
type MonitorConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0" yaml:"probe_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval" validate:"gte=0" yaml:"sync_interval"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" validate:"gt=0" yaml:"dial_timeout"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format     string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output     string `mapstructure:"output" validate:"required" yaml:"output"`
	MaxSize    int64  `mapstructure:"max_size" validate:"gte=0" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0" yaml:"max_age_days"`
}

// MetricsConfig はメトリクスの設定
type MetricsConfig struct {
	File         string        `mapstructure:"file" yaml:"file"`
	SaveInterval time.Duration `mapstructure:"save_interval" validate:"gt=0" yaml:"save_interval"`
}

// ManifestConfig はアセットマニフェストの設定
type ManifestConfig struct {
	Path  string `mapstructure:"path" validate:"required" yaml:"path"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// SiteConfig は開発用オリジンサーバーの設定
type SiteConfig struct {
	Addr        string        `mapstructure:"addr" validate:"required" yaml:"addr"`
	Root        string        `mapstructure:"root" validate:"required" yaml:"root"`
	ChatLatency time.Duration `mapstructure:"chat_latency" validate:"gte=0" yaml:"chat_latency"`
}

// OriginURL はオリジンのURLを返す
func (c *Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Origin.URL)
}

// ChatURL はチャットAPIのURLを返す
func (c *Config) ChatURL() (*url.URL, error) {
	return url.Parse(c.Chat.URL)
}

// Load は設定ファイル、環境変数、デフォルト値から設定を読み込む
// 優先順位は 環境変数 > 設定ファイル > デフォルト値.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate は設定値を検証する
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("origin.url must be http or https, got %q", origin.Scheme)
	}
	return nil
}
