package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/stockwatch/internal/model"
)

// claimLockKey はClaimを直列化するアドバイザリロックのキー。
// 複数ワーカーが同じキーの連続したイベントを別々にリースしないようにする。
const claimLockKey int64 = 0x73746b77

// PostgresChangeEventRepo はPostgreSQLを使用した変更イベントアウトボックスのリポジトリ。
type PostgresChangeEventRepo struct {
	db *sql.DB
}

// NewPostgresChangeEventRepo はPostgresChangeEventRepoを生成する。
func NewPostgresChangeEventRepo(db *sql.DB) *PostgresChangeEventRepo {
	return &PostgresChangeEventRepo{db: db}
}

// Claim は処理可能なイベントを最大limit件リースしてid昇順で返す。
// リース中のより古いイベントを持つキーは対象外とし、キー単位の順序を保つ。
// リースが切れたイベントは再度取得され、少なくとも1回の配信を保証する。
func (r *PostgresChangeEventRepo) Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.ChangeEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
		return nil, fmt.Errorf("イベント取得ロックの獲得に失敗しました: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE change_events
		 SET claimed_until = now() + make_interval(secs => $2)
		 WHERE id IN (
		     SELECT ce.id FROM change_events ce
		     WHERE (ce.claimed_until IS NULL OR ce.claimed_until < now())
		       AND NOT EXISTS (
		           SELECT 1 FROM change_events prev
		           WHERE prev.resource = ce.resource
		             AND prev.resource_key = ce.resource_key
		             AND prev.id < ce.id
		             AND prev.claimed_until >= now()
		       )
		     ORDER BY ce.id
		     LIMIT $1
		     FOR UPDATE OF ce SKIP LOCKED
		 )
		 RETURNING id, resource, op, resource_key, before, after, created_at`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("変更イベントの取得に失敗しました: %w", err)
	}

	var events []*model.ChangeEvent
	for rows.Next() {
		ev := &model.ChangeEvent{}
		var op string
		var before, after []byte
		if err := rows.Scan(&ev.ID, &ev.Resource, &op, &ev.Key, &before, &after, &ev.OccurredAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("変更イベントのスキャンに失敗しました: %w", err)
		}
		ev.Kind = model.EventKindFromOp(op)
		ev.Before = before
		ev.After = after
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("変更イベントの読み取りに失敗しました: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("変更イベントのリースのコミットに失敗しました: %w", err)
	}

	// RETURNINGの順序は保証されないため並べ直す
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// Ack は処理済みのイベントを削除する。
func (r *PostgresChangeEventRepo) Ack(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM change_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("変更イベントの削除に失敗しました (id=%d): %w", id, err)
	}
	return nil
}
