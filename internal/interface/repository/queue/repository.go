package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"gateway/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	headers TEXT NOT NULL,
	body BLOB,
	enqueued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
)`

// Repository はSQLiteを使ったリトライキューの永続化実装.
// seq の AUTOINCREMENT が挿入順を保証する.
type Repository struct {
	db *sql.DB
}

// Verify interface implementation.
var _ domain.MutationStore = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mutations table: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close はDBを閉じる.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Append はキューの末尾に追加し、採番した Seq を設定.
func (r *Repository) Append(ctx context.Context, m *domain.QueuedMutation) error {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO mutations (id, method, url, headers, body, enqueued_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Method, m.URL, string(headers), m.Body, m.EnqueuedAt.UnixNano(), m.Attempts, m.LastError)
	if err != nil {
		return fmt.Errorf("failed to append mutation %s: %w", m.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.Seq = seq
	return nil
}

// List は全エントリを挿入順に返す.
func (r *Repository) List(ctx context.Context) ([]*domain.QueuedMutation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, id, method, url, headers, body, enqueued_at, attempts, last_error
		FROM mutations ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*domain.QueuedMutation
	for rows.Next() {
		var (
			m          domain.QueuedMutation
			headers    string
			enqueuedAt int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.Method, &m.URL, &headers, &m.Body,
			&enqueuedAt, &m.Attempts, &m.LastError); err != nil {
			return nil, err
		}
		m.Headers = make(http.Header)
		if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
			return nil, fmt.Errorf("corrupt headers for mutation %s: %w", m.ID, err)
		}
		m.EnqueuedAt = time.Unix(0, enqueuedAt)
		mutations = append(mutations, &m)
	}
	return mutations, rows.Err()
}

// Remove はエントリを削除.
func (r *Repository) Remove(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	return err
}

// MarkAttempt は試行回数と最後のエラーを記録.
func (r *Repository) MarkAttempt(ctx context.Context, id string, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mutations SET attempts = attempts + 1, last_error = ? WHERE id = ?
	`, lastError, id)
	return err
}

// Len はキューの件数を返す.
func (r *Repository) Len(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n)
	return n, err
}

// Purge は全エントリを削除し、削除件数を返す.
func (r *Repository) Purge(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mutations`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
