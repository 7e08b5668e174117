package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gateway/internal/domain"
)

// compressThreshold を超えるボディは gzip で保存する.
const compressThreshold = 1024

// record はBadgerに保存するエントリの形式
type record struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Data       []byte      `json:"data"`
	Size       int64       `json:"size"`
	StoredAt   time.Time   `json:"stored_at"`
	Compressed bool        `json:"compressed"`
}

// encodeEntry はエントリを保存形式に変換
func encodeEntry(entry *domain.CacheEntry) ([]byte, error) {
	rec := record{
		Key:        entry.Key,
		StatusCode: entry.StatusCode,
		Headers:    entry.Headers,
		Data:       entry.Data,
		Size:       int64(len(entry.Data)),
		StoredAt:   entry.StoredAt,
	}

	// 大きなデータの場合は圧縮を試みる
	if len(entry.Data) > compressThreshold {
		if compData, err := compress(entry.Data); err == nil && len(compData) < len(entry.Data) {
			rec.Data = compData
			rec.Compressed = true
		}
	}

	return json.Marshal(&rec)
}

// decodeEntry は保存形式からエントリを復元
func decodeEntry(data []byte) (*domain.CacheEntry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	body := rec.Data
	if rec.Compressed {
		var err error
		if body, err = decompress(rec.Data); err != nil {
			return nil, err
		}
	}

	headers := rec.Headers
	if headers == nil {
		headers = make(http.Header)
	}

	return &domain.CacheEntry{
		Key:        rec.Key,
		StatusCode: rec.StatusCode,
		Headers:    headers,
		Data:       body,
		StoredAt:   rec.StoredAt,
	}, nil
}

// decodeInfo はボディを展開せずにメタデータのみ取り出す
func decodeInfo(data []byte) (domain.EntryInfo, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.EntryInfo{}, err
	}
	return domain.EntryInfo{
		Key:      rec.Key,
		Size:     rec.Size,
		StoredAt: rec.StoredAt,
	}, nil
}

// compress はデータをgzip圧縮する
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress はgzip圧縮されたデータを展開する
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
