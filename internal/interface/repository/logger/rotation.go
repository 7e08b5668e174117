package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ログファイルの最大保持期間
	MaxBackups int           // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// rotatingFile はサイズ超過時にローテーションするファイル.
type rotatingFile struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	config *RotationConfig
}

func openRotatingFile(path string, config *RotationConfig) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", path, err)
	}

	return &rotatingFile{path: path, file: file, config: config}, nil
}

// Write はローテーションをチェックしてから書き込む.
func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if needs, err := needsRotation(f.path, f.config.MaxSize); err == nil && needs {
		if err := f.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}

	return f.file.Write(p)
}

// rotate はログファイルをローテーション.
func (f *rotatingFile) rotate() error {
	if err := f.file.Close(); err != nil {
		return err
	}

	if err := rotateFile(f.path); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	f.file = file
	return nil
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// needsRotation はログローテーションが必要かどうかを判断.
func needsRotation(filePath string, maxSize int64) (bool, error) {
	if maxSize <= 0 {
		return false, nil
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return info.Size() >= maxSize, nil
}

// rotateFile はログファイルをローテーション.
func rotateFile(basePath string) error {
	timestamp := time.Now().Format("20060102150405.000")
	rotatedPath := fmt.Sprintf("%s.%s", basePath, timestamp)

	return os.Rename(basePath, rotatedPath)
}

// cleanOldLogs は古いログファイルを削除.
func cleanOldLogs(basePath string, config *RotationConfig) error {
	files, err := filepath.Glob(basePath + ".*")
	if err != nil {
		return err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var logFiles []fileInfo
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		logFiles = append(logFiles, fileInfo{f, info.ModTime()})
	}

	// 新しい順
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.After(logFiles[j].modTime)
	})

	// 古いファイルの削除
	now := time.Now()
	for i, f := range logFiles {
		if now.Sub(f.modTime) > config.MaxAge || (config.MaxBackups > 0 && i >= config.MaxBackups) {
			os.Remove(f.path)
		}
	}

	return nil
}
