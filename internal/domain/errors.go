package domain

import (
	"errors"
	"fmt"
)

// ErrNotCached はキャッシュにエントリが無い場合のエラー.
var ErrNotCached = errors.New("not cached")

// ErrInstallFailed はインストール失敗エラー.
type ErrInstallFailed struct {
	Generation string
	URL        string
	Err        error
}

func (e *ErrInstallFailed) Error() string {
	return fmt.Sprintf("install of generation %s failed at %s: %v", e.Generation, e.URL, e.Err)
}

func (e *ErrInstallFailed) Unwrap() error { return e.Err }

// ErrNetwork はネットワーク送信失敗エラー.
type ErrNetwork struct {
	URL string
	Err error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("network request to %s failed: %v", e.URL, e.Err)
}

func (e *ErrNetwork) Unwrap() error { return e.Err }

// ErrQueued はネットワーク失敗によりリトライキューに回されたことを表す.
// 呼び出し元には失敗として見えるが、配信は後で行われる.
type ErrQueued struct {
	ID  string
	Err error
}

func (e *ErrQueued) Error() string {
	return fmt.Sprintf("request queued for replay as %s: %v", e.ID, e.Err)
}

func (e *ErrQueued) Unwrap() error { return e.Err }

// ErrReplayFailed はリプレイ失敗エラー.
type ErrReplayFailed struct {
	ID         string
	StatusCode int
	Err        error
}

func (e *ErrReplayFailed) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("replay of %s failed with status %d", e.ID, e.StatusCode)
	}
	return fmt.Sprintf("replay of %s failed: %v", e.ID, e.Err)
}

func (e *ErrReplayFailed) Unwrap() error { return e.Err }
