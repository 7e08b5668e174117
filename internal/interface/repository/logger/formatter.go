package logger

import (
	"io"
	"log/slog"
	"sort"
	"strings"
)

// LogLevel はログレベルを表す.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// ParseLevel は文字列をログレベルに変換. 不明な値は INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case DEBUG:
		return DEBUG
	case WARN, "WARNING":
		return WARN
	case ERROR:
		return ERROR
	default:
		return INFO
	}
}

// slogLevel は slog のレベルに変換.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler はフォーマットに応じたハンドラーを作成.
func newHandler(w io.Writer, format string, level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// fieldsToArgs はフィールドをキー順に slog の引数へ変換.
func fieldsToArgs(err error, fields map[string]interface{}) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2+2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}

	// エラーの追加（存在する場合）
	if err != nil {
		args = append(args, "error", err.Error())
	}
	return args
}
