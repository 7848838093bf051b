package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrTxRetriesExhausted は競合による再試行が上限に達したことを示す。
var ErrTxRetriesExhausted = errors.New("transaction retries exhausted")

// 再試行対象のSQLSTATE
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// defaultTxBackoff は再試行ごとに増加する待機時間の単位。
const defaultTxBackoff = 20 * time.Millisecond

// TxRunner は競合時に上限回数まで再試行するトランザクション実行器。
type TxRunner struct {
	db          TxBeginner
	opts        *sql.TxOptions
	maxAttempts int
	backoff     time.Duration
}

// NewTxRunner はTxRunnerを生成する。maxAttemptsが1未満の場合は1回のみ実行する。
func NewTxRunner(db TxBeginner, opts *sql.TxOptions, maxAttempts int) *TxRunner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TxRunner{
		db:          db,
		opts:        opts,
		maxAttempts: maxAttempts,
		backoff:     defaultTxBackoff,
	}
}

// Run はfnをトランザクション内で実行し、コミットする。
// シリアライゼーション失敗またはデッドロックの場合はトランザクション全体をやり直す。
func (r *TxRunner) Run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryTx(ctx, r.maxAttempts, r.backoff, func() error {
		tx, err := r.db.BeginTx(ctx, r.opts)
		if err != nil {
			return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryTx はattemptを再試行可能なエラーの間だけ繰り返す。
func retryTx(ctx context.Context, maxAttempts int, backoff time.Duration, attempt func() error) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(i)):
			}
		}

		err := attempt()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTxRetriesExhausted, maxAttempts, lastErr)
}

// isRetryable はエラーがトランザクションの再実行で解消し得るかを判定する。
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == sqlStateSerializationFailure || pqErr.Code == sqlStateDeadlockDetected
}
