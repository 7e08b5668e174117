package domain

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// QueuedMutation はリプレイ待ちの POST リクエストを表す.
type QueuedMutation struct {
	ID         string
	Seq        int64
	Method     string
	URL        string
	Headers    http.Header
	Body       []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// NewQueuedMutation はリクエストをキュー用に複製する.
func NewQueuedMutation(id string, req *Request, now time.Time) *QueuedMutation {
	clone := req.Clone()
	return &QueuedMutation{
		ID:         id,
		Method:     clone.Method,
		URL:        clone.URL.String(),
		Headers:    clone.Headers,
		Body:       clone.Body,
		EnqueuedAt: now,
	}
}

// Request はリプレイ用のリクエストを再構築する.
func (m *QueuedMutation) Request() (*Request, error) {
	u, err := url.Parse(m.URL)
	if err != nil {
		return nil, err
	}
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &Request{
		ID:        m.ID,
		Method:    m.Method,
		URL:       u,
		Headers:   m.Headers.Clone(),
		Body:      body,
		CreatedAt: m.EnqueuedAt,
	}, nil
}

// Expired は保持期間を過ぎているかを返す.
func (m *QueuedMutation) Expired(retention time.Duration, now time.Time) bool {
	return now.Sub(m.EnqueuedAt) > retention
}

// FormValue は multipart / urlencoded ボディからテキストフィールドを取り出す.
// ファイルパートは無視する.
func (m *QueuedMutation) FormValue(name string) string {
	mediaType, params, err := mime.ParseMediaType(m.Headers.Get("Content-Type"))
	if err != nil {
		return ""
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(m.Body))
		if err != nil {
			return ""
		}
		return values.Get(name)
	case strings.HasPrefix(mediaType, "multipart/"):
		reader := multipart.NewReader(bytes.NewReader(m.Body), params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				return ""
			}
			if part.FormName() != name || part.FileName() != "" {
				continue
			}
			value, err := io.ReadAll(io.LimitReader(part, 64*1024))
			if err != nil {
				return ""
			}
			return string(value)
		}
	}
	return ""
}

// MutationStore はキューの永続化を担当.
// エントリは挿入順(Seq 昇順)で返される.
type MutationStore interface {
	Append(ctx context.Context, m *QueuedMutation) error
	List(ctx context.Context) ([]*QueuedMutation, error)
	Remove(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, lastError string) error
	Len(ctx context.Context) (int, error)
	Purge(ctx context.Context) (int, error)
}

// SyncHandler は同期シグナルで呼び出される処理.
// エラーを返した場合は次回のシグナルで再度呼ばれる.
type SyncHandler func(ctx context.Context) error

// SyncRegistrar は再接続シグナルへの登録を受け付ける.
type SyncRegistrar interface {
	Register(tag string, handler SyncHandler)
}
