package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// StatusTracker は同期履歴と進行中ダウンロードの状態を管理します
type StatusTracker struct {
	store    domain.HistoryStore
	progress sync.Map // dataset -> domain.Progress
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewStatusTracker は新しいStatusTrackerを作成します
func NewStatusTracker(store domain.HistoryStore, clock clockwork.Clock, log *slog.Logger) *StatusTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusTracker{
		store: store,
		clock: clock,
		log:   log,
	}
}

// Log はデータセットに紐付かないイベントを追記します
func (t *StatusTracker) Log(ctx context.Context, updateType string, status domain.UpdateStatus, details map[string]any) (domain.UpdateEvent, error) {
	return t.LogDataset(ctx, updateType, "", status, details)
}

// LogDataset はデータセット単位のイベントを追記します
func (t *StatusTracker) LogDataset(ctx context.Context, updateType, dataset string, status domain.UpdateStatus, details map[string]any) (domain.UpdateEvent, error) {
	if details == nil {
		details = map[string]any{}
	}
	event := domain.UpdateEvent{
		ID:        uuid.New(),
		Type:      updateType,
		Dataset:   dataset,
		Status:    status,
		Timestamp: t.clock.Now().UTC(),
		Details:   details,
	}

	if err := t.store.Append(ctx, event); err != nil {
		t.log.Error("Failed to record update event",
			"type", updateType,
			"dataset", dataset,
			"status", status,
			"error", err,
		)
		return event, fmt.Errorf("failed to record update event: %w", err)
	}

	t.log.Debug("Recorded update event",
		"type", updateType,
		"dataset", dataset,
		"status", status,
	)
	return event, nil
}

// Recent は新しい順に最大 limit 件のイベントを返します
func (t *StatusTracker) Recent(ctx context.Context, limit int) ([]domain.UpdateEvent, error) {
	return t.History(ctx, limit, domain.HistoryFilter{})
}

// History は条件に合うイベントを新しい順に返します
func (t *StatusTracker) History(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error) {
	events, err := t.store.Recent(ctx, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load update history: %w", err)
	}
	// ストアの実装に関わらずタイムスタンプ降順を保証する
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// Latest は指定種別の最新イベントを返します。存在しない場合は nil
func (t *StatusTracker) Latest(ctx context.Context, updateType string) (*domain.UpdateEvent, error) {
	events, err := t.History(ctx, 1, domain.HistoryFilter{Type: updateType})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// UpdateProgress は進行中ダウンロードの状態を更新します
func (t *StatusTracker) UpdateProgress(dataset string, bytes int64, rate float64) {
	t.progress.Store(dataset, domain.Progress{
		Dataset:   dataset,
		Bytes:     bytes,
		Rate:      rate,
		UpdatedAt: t.clock.Now().UTC(),
	})
}

// ClearProgress は進行中ダウンロードの状態を削除します
func (t *StatusTracker) ClearProgress(dataset string) {
	t.progress.Delete(dataset)
}

// Progress は進行中ダウンロードの一覧をデータセット名順に返します
func (t *StatusTracker) Progress() []domain.Progress {
	var out []domain.Progress
	t.progress.Range(func(_, value any) bool {
		out = append(out, value.(domain.Progress))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Dataset < out[j].Dataset
	})
	return out
}

// ProgressFunc は Transport に渡す進捗コールバックを返します
func (t *StatusTracker) ProgressFunc(dataset string) domain.ProgressFunc {
	return func(task *domain.DownloadTask) {
		t.UpdateProgress(dataset, task.BytesTransferred, task.Rate)
	}
}

// elapsedSince は経過時間を返します
func (t *StatusTracker) elapsedSince(start time.Time) time.Duration {
	return t.clock.Since(start)
}
