package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrStaleMarker は保存済みマーカー以下のマーカーを書き込もうとした場合のエラー
	ErrStaleMarker = errors.New("marker is not newer than stored marker")
	// ErrDownloadInFlight は同一ターゲットへのダウンロードが既に実行中の場合のエラー
	ErrDownloadInFlight = errors.New("download already in flight for target")
	// ErrNoCandidate はリモートに確認済みファイルが存在しない場合のエラー
	ErrNoCandidate = errors.New("no confirmed remote candidate")
	// ErrUnknownDataset は未定義のデータセットIDが指定された場合のエラー
	ErrUnknownDataset = errors.New("unknown dataset")
)

// ErrorKind はエラーの再試行可否の分類です
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// TransportError は転送層のエラーです
type TransportError struct {
	Kind       ErrorKind
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", e.Op, e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransientError は再試行可能な転送エラーを作成します
func NewTransientError(op, url string, err error) *TransportError {
	return &TransportError{Kind: KindTransient, Op: op, URL: url, Err: err}
}

// NewPermanentError は再試行不可能な転送エラーを作成します
func NewPermanentError(op, url string, err error) *TransportError {
	return &TransportError{Kind: KindPermanent, Op: op, URL: url, Err: err}
}

// NewStatusError はHTTPステータスコードから分類済みエラーを作成します
// 5xx と 429 は一時的、それ以外の 4xx は恒久的
func NewStatusError(op, url string, status int) *TransportError {
	kind := KindPermanent
	if status >= 500 || status == 429 {
		kind = KindTransient
	}
	return &TransportError{Kind: kind, Op: op, URL: url, StatusCode: status}
}

// FreshnessCheckError はメタデータの取得・解析に失敗した場合のエラーです
type FreshnessCheckError struct {
	DatasetID string
	Reason    string
	Err       error
}

func (e *FreshnessCheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("freshness check failed for %s: %s: %v", e.DatasetID, e.Reason, e.Err)
	}
	return fmt.Sprintf("freshness check failed for %s: %s", e.DatasetID, e.Reason)
}

func (e *FreshnessCheckError) Unwrap() error { return e.Err }

// IntegrityError は取得物の整合性検証に失敗した場合のエラーです
// アーカイブ内メンバー欠落、コンテンツ種別不一致など
type IntegrityError struct {
	Path   string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity check failed for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// SchedulingFailure はジョブ実行の失敗を表します
type SchedulingFailure struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *SchedulingFailure) Error() string {
	return fmt.Sprintf("job %s failed (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *SchedulingFailure) Unwrap() error { return e.Err }

// Classify はエラーを一時的・恒久的に分類します
// 分類情報を持たないネットワークエラーはシステムコールやタイムアウトから判定します
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	var ie *IntegrityError
	if errors.As(err, &ie) {
		return KindPermanent
	}

	var fe *FreshnessCheckError
	if errors.As(err, &fe) {
		return KindPermanent
	}

	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindPermanent
}

// IsTransient は再試行対象のエラーかどうかを返します
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
