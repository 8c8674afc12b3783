package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Classifier はエラーが再試行対象かどうかを判定します
type Classifier func(err error) bool

// Policy は一定間隔・回数上限付きの再試行ポリシーです
// 転送層とソースアダプタのHTTP呼び出しで使います
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数
	MaxAttempts int
	// Delay は試行間の待機時間
	Delay time.Duration
	// Retryable は再試行可否の判定関数（nil の場合は全エラーを再試行）
	Retryable Classifier
	// Logger は再試行時のログ出力先
	Logger *slog.Logger
}

// DefaultPolicy はデフォルトのポリシー（3回、5秒間隔）を返します
func DefaultPolicy(classifier Classifier) Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
		Retryable:   classifier,
	}
}

// Do は op をポリシーに従って実行します
// 再試行不可のエラー、試行回数超過、コンテキストのキャンセルで終了し、最後のエラーを返します
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("Retrying after failure",
			"operation", name,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"wait", wait,
			"error", err,
		)
	}

	return backoff.RetryNotify(operation, b, notify)
}
