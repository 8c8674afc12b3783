package history_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dataset-sync/internal/module/sync/adapter/history"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

func testEvent(typ, dataset string, status domain.UpdateStatus, ts time.Time) domain.UpdateEvent {
	return domain.UpdateEvent{
		ID:        uuid.New(),
		Type:      typ,
		Dataset:   dataset,
		Status:    status,
		Timestamp: ts,
		Details:   map[string]any{"message": "test"},
	}
}

func TestFileStore_AppendAndRecent(t *testing.T) {
	t.Run("正常系: タイムスタンプの新しい順に返す", func(t *testing.T) {
		// Setup
		ctx := context.Background()
		store := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 100)
		base := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)

		// 追記順とタイムスタンプ順が異なる
		require.NoError(t, store.Append(ctx, testEvent("socrata", "A", domain.StatusSuccess, base.Add(2*time.Minute))))
		require.NoError(t, store.Append(ctx, testEvent("ftp", "FTP_Crash", domain.StatusNoUpdate, base)))
		require.NoError(t, store.Append(ctx, testEvent("sms", "SMS", domain.StatusFailed, base.Add(time.Minute))))

		// Execute
		events, err := store.Recent(ctx, 10, domain.HistoryFilter{})

		// Assert
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "socrata", events[0].Type)
		assert.Equal(t, "sms", events[1].Type)
		assert.Equal(t, "ftp", events[2].Type)
	})

	t.Run("正常系: 種別とデータセットで絞り込む", func(t *testing.T) {
		// Setup
		ctx := context.Background()
		store := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 100)
		base := time.Now().UTC()
		require.NoError(t, store.Append(ctx, testEvent("socrata", "A", domain.StatusSuccess, base)))
		require.NoError(t, store.Append(ctx, testEvent("socrata", "B", domain.StatusNoUpdate, base.Add(time.Second))))
		require.NoError(t, store.Append(ctx, testEvent("ftp", "FTP_Crash", domain.StatusSuccess, base.Add(2*time.Second))))

		// Execute
		byType, err := store.Recent(ctx, 0, domain.HistoryFilter{Type: "socrata"})
		require.NoError(t, err)
		byDataset, err := store.Recent(ctx, 0, domain.HistoryFilter{Dataset: "A"})
		require.NoError(t, err)

		// Assert
		assert.Len(t, byType, 2)
		require.Len(t, byDataset, 1)
		assert.Equal(t, "A", byDataset[0].Dataset)
	})

	t.Run("正常系: 上限を超えた古いイベントは破棄される", func(t *testing.T) {
		// Setup
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "history.json")
		store := history.NewFileStore(path, 3)
		base := time.Now().UTC()

		// Execute
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(ctx, testEvent(fmt.Sprintf("t%d", i), "", domain.StatusSuccess, base.Add(time.Duration(i)*time.Second))))
		}

		// Assert
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var raw []map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		require.Len(t, raw, 3)
		assert.Equal(t, "t2", raw[0]["type"])
		assert.Equal(t, "t4", raw[2]["type"])

		events, err := store.Recent(ctx, 2, domain.HistoryFilter{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "t4", events[0].Type)
	})

	t.Run("正常系: 並行追記でもイベントを失わない", func(t *testing.T) {
		// Setup
		ctx := context.Background()
		store := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 100)
		var wg sync.WaitGroup

		// Execute
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.Append(ctx, testEvent("concurrent", fmt.Sprint(i), domain.StatusSuccess, time.Now())))
			}(i)
		}
		wg.Wait()

		// Assert
		events, err := store.Recent(ctx, 0, domain.HistoryFilter{})
		require.NoError(t, err)
		assert.Len(t, events, 20)
	})

	t.Run("正常系: ファイルがない場合は空", func(t *testing.T) {
		store := history.NewFileStore(filepath.Join(t.TempDir(), "missing.json"), 10)
		events, err := store.Recent(context.Background(), 10, domain.HistoryFilter{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
