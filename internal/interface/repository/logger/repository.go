package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gateway/internal/domain"
)

// Config はロガーの設定を表す.
type Config struct {
	Level    string // DEBUG, INFO, WARN, ERROR
	Format   string // text, json
	Output   string // stdout, stderr, またはファイルパス
	Rotation *RotationConfig
}

// Repository はロガーのリポジトリ実装.
type Repository struct {
	slogger *slog.Logger
	level   *slog.LevelVar
	file    *rotatingFile
	done    chan struct{}
	once    sync.Once
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(cfg Config) (*Repository, error) {
	if cfg.Rotation == nil {
		cfg.Rotation = DefaultRotationConfig()
	}

	var (
		out  io.Writer
		file *rotatingFile
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := openRotatingFile(cfg.Output, cfg.Rotation)
		if err != nil {
			return nil, err
		}
		out, file = f, f
	}

	r := newRepository(out, cfg.Level, cfg.Format)
	r.file = file

	// ログクリーンアップを定期的に実行
	if file != nil {
		go r.periodicCleanup(cfg.Rotation)
	}

	return r, nil
}

// NewWithWriter は任意の Writer に出力するロガーを作成.
func NewWithWriter(w io.Writer, level, format string) *Repository {
	return newRepository(w, level, format)
}

// Nop は何も出力しないロガー.
func Nop() *Repository {
	return newRepository(io.Discard, "ERROR", "text")
}

func newRepository(w io.Writer, level, format string) *Repository {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level).slogLevel())

	return &Repository{
		slogger: slog.New(newHandler(w, format, lv)),
		level:   lv,
		done:    make(chan struct{}),
	}
}

// SetLevel は実行中にログレベルを変更.
func (r *Repository) SetLevel(level string) {
	r.level.Set(ParseLevel(level).slogLevel())
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.slogger.Debug(msg, fieldsToArgs(nil, fields)...)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.slogger.Info(msg, fieldsToArgs(nil, fields)...)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.slogger.Warn(msg, fieldsToArgs(nil, fields)...)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.slogger.Error(msg, fieldsToArgs(err, fields)...)
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup(config *RotationConfig) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanOldLogs(r.file.path, config)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.once.Do(func() { close(r.done) })
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
