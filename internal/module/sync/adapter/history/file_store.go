package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// DefaultLimit は保持する履歴の最大件数
const DefaultLimit = 1000

// FileStore は履歴を1つのJSON配列ファイルに保存します
// 追記のたびに一時ファイルへ書き出してリネームし、上限を超えた古いイベントは破棄します
type FileStore struct {
	path  string
	limit int
	mu    sync.Mutex
}

var _ domain.HistoryStore = (*FileStore)(nil)

// NewFileStore は新しい FileStore を作成します
func NewFileStore(path string, limit int) *FileStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &FileStore{path: path, limit: limit}
}

// Append はイベントを追記します
func (s *FileStore) Append(ctx context.Context, event domain.UpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return err
	}
	events = append(events, event)
	if len(events) > s.limit {
		events = events[len(events)-s.limit:]
	}
	return s.store(events)
}

// Recent はタイムスタンプの新しい順に最大 limit 件を返します
func (s *FileStore) Recent(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error) {
	s.mu.Lock()
	events, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return SelectRecent(events, limit, filter), nil
}

// SelectRecent は条件に合うイベントをタイムスタンプ降順で最大 limit 件返します
// 同時刻のイベントは追記順の新しいものを先にします
func SelectRecent(events []domain.UpdateEvent, limit int, filter domain.HistoryFilter) []domain.UpdateEvent {
	out := make([]domain.UpdateEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Dataset != "" && e.Dataset != filter.Dataset {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *FileStore) load() ([]domain.UpdateEvent, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var events []domain.UpdateEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to decode history %s: %w", s.path, err)
	}
	return events, nil
}

func (s *FileStore) store(events []domain.UpdateEvent) (err error) {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
