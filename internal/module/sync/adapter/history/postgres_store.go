package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// DBTX は PostgresStore が利用するpgxの操作です（*pgxpool.Pool, pgx.Tx が実装）
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS update_history (
    id           UUID PRIMARY KEY,
    dataset_name TEXT,
    update_type  TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    timestamp    TIMESTAMPTZ NOT NULL,
    details      JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_update_history_timestamp ON update_history (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_update_history_type ON update_history (update_type, timestamp DESC);
`

const insertSQL = `
INSERT INTO update_history (id, dataset_name, update_type, status, timestamp, details)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6::jsonb)
`

const recentSQL = `
SELECT id, COALESCE(dataset_name, ''), update_type, status, timestamp, details
FROM update_history
WHERE ($1 = '' OR update_type = $1)
  AND ($2 = '' OR dataset_name = $2)
ORDER BY timestamp DESC, id
LIMIT $3
`

// PostgresStore は履歴を update_history テーブルに保存します
type PostgresStore struct {
	db DBTX
}

var _ domain.HistoryStore = (*PostgresStore)(nil)

// NewPostgresStore は新しい PostgresStore を作成します
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema はテーブルが存在しない場合に作成します
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create update_history table: %w", err)
	}
	return nil
}

// Append はイベントを1行追加します
func (s *PostgresStore) Append(ctx context.Context, event domain.UpdateEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	_, err = s.db.Exec(ctx, insertSQL,
		event.ID,
		event.Dataset,
		event.Type,
		string(event.Status),
		event.Timestamp,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert update event: %w", err)
	}
	return nil
}

// Recent はタイムスタンプの新しい順に最大 limit 件を返します
func (s *PostgresStore) Recent(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.Query(ctx, recentSQL, filter.Type, filter.Dataset, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	var events []domain.UpdateEvent
	for rows.Next() {
		var (
			e       domain.UpdateEvent
			status  string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Dataset, &e.Type, &status, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan update event: %w", err)
		}
		e.Status = domain.UpdateStatus(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate update history: %w", err)
	}
	return events, nil
}
