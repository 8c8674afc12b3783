package testing

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// TestAPIDataset はテスト用の api-metadata データセットを生成します
func TestAPIDataset(id, location string) domain.DatasetSource {
	return domain.DatasetSource{
		ID:        id,
		Protocol:  domain.ProtocolAPIMetadata,
		Location:  location,
		Category:  id,
		Freshness: domain.FreshnessServerTimestamp,
	}
}

// TestFTPDataset はテスト用の ftp-dir データセットを生成します
func TestFTPDataset(id, location, category, pattern string) domain.DatasetSource {
	return domain.DatasetSource{
		ID:          id,
		Protocol:    domain.ProtocolFTPDir,
		Location:    location,
		Category:    category,
		Freshness:   domain.FreshnessFilenameDate,
		Archive:     true,
		FilePattern: pattern,
	}
}

// TestMarker はテスト用のマーカーを生成します（RFC3339）
func TestMarker(value string) domain.Marker {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return domain.NewMarker(t)
}

// TestMonthMarker はテスト用の月トークンマーカーを生成します（例: 2024Jun）
func TestMonthMarker(token string) domain.Marker {
	t, err := time.Parse(domain.MonthTokenLayout, token)
	if err != nil {
		panic(err)
	}
	return domain.Marker{Time: t.UTC(), Token: token}
}

// InMemoryMetadataStore はテスト用のメモリ上の MetadataStore です
// 単調増加の制約は本番実装と同じく検証します
type InMemoryMetadataStore struct {
	mu     sync.Mutex
	Root   string
	States map[string]domain.SyncState
	Saves  int
}

// NewInMemoryMetadataStore は新しい InMemoryMetadataStore を作成します
func NewInMemoryMetadataStore(root string) *InMemoryMetadataStore {
	return &InMemoryMetadataStore{Root: root, States: make(map[string]domain.SyncState)}
}

func (s *InMemoryMetadataStore) Load(ctx context.Context, src domain.DatasetSource) (*domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.States[src.ID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *InMemoryMetadataStore) Save(ctx context.Context, state domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.States[state.DatasetID]; ok && !state.LastMarker.After(cur.LastMarker) {
		return fmt.Errorf("%s: %w", state.DatasetID, domain.ErrStaleMarker)
	}
	s.States[state.DatasetID] = state
	s.Saves++
	return nil
}

func (s *InMemoryMetadataStore) ArtifactDir(datasetID string) string {
	return filepath.Join(s.Root, datasetID)
}

// Get は保存済みの状態を返します
func (s *InMemoryMetadataStore) Get(datasetID string) (domain.SyncState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.States[datasetID]
	return state, ok
}

// InMemoryHistoryStore はテスト用のメモリ上の HistoryStore です
type InMemoryHistoryStore struct {
	mu     sync.Mutex
	Events []domain.UpdateEvent
}

func (s *InMemoryHistoryStore) Append(ctx context.Context, event domain.UpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
	return nil
}

func (s *InMemoryHistoryStore) Recent(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UpdateEvent
	for i := len(s.Events) - 1; i >= 0; i-- {
		e := s.Events[i]
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
	return out, nil
}

// ByStatus は指定データセット・ステータスのイベントを追記順に返します
func (s *InMemoryHistoryStore) ByStatus(dataset string, status domain.UpdateStatus) []domain.UpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UpdateEvent
	for _, e := range s.Events {
		if e.Dataset == dataset && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}
