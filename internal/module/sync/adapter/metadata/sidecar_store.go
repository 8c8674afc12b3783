package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// sidecarSuffix はサイドカーファイル名の接尾辞
const sidecarSuffix = "_metadata.json"

// legacyLayouts はタイムゾーンなしで書かれた既存サイドカーの時刻形式
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// sidecarRecord はサイドカーファイルの内容です
type sidecarRecord struct {
	RowsUpdatedAt     string `json:"rowsUpdatedAt"`
	Token             string `json:"token,omitempty"`
	LocalArtifactPath string `json:"localArtifactPath,omitempty"`
}

// SidecarStore はデータセットごとのJSONサイドカーで同期状態を保存します
// 配置は <root>/<id>/<id>_metadata.json
type SidecarStore struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

var (
	_ domain.MetadataStore  = (*SidecarStore)(nil)
	_ domain.ArtifactPruner = (*SidecarStore)(nil)
)

// NewSidecarStore は新しい SidecarStore を作成します
func NewSidecarStore(root string, logger *slog.Logger) *SidecarStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarStore{root: root, logger: logger}
}

// ArtifactDir はデータセットの成果物ディレクトリを返します
func (s *SidecarStore) ArtifactDir(datasetID string) string {
	return filepath.Join(s.root, datasetID)
}

func (s *SidecarStore) sidecarPath(datasetID string) string {
	return filepath.Join(s.ArtifactDir(datasetID), datasetID+sidecarSuffix)
}

// Load は保存済みの同期状態を返します
// サイドカーがなく、ファイル名日付で鮮度を判定するデータセットの場合はローカルの成果物から推定します
func (s *SidecarStore) Load(ctx context.Context, src domain.DatasetSource) (*domain.SyncState, error) {
	rec, err := s.read(src.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		marker, err := parseRecordMarker(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sidecar for %s: %w", src.ID, err)
		}
		return &domain.SyncState{
			DatasetID:         src.ID,
			LastMarker:        marker,
			LocalArtifactPath: rec.LocalArtifactPath,
		}, nil
	}

	if src.Freshness != domain.FreshnessFilenameDate {
		return nil, nil
	}
	return s.bootstrap(src)
}

// bootstrap は成果物ディレクトリ内で最も新しい日付トークンを持つファイルから状態を推定します
func (s *SidecarStore) bootstrap(src domain.DatasetSource) (*domain.SyncState, error) {
	dir := s.ArtifactDir(src.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	var pattern *regexp.Regexp
	if src.FilePattern != "" {
		pattern, _ = regexp.Compile(src.FilePattern)
	}

	var best *domain.SyncState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, domain.StagingSuffix) || strings.HasSuffix(name, sidecarSuffix) {
			continue
		}
		if pattern != nil && !pattern.MatchString(name) {
			continue
		}
		marker, ok := domain.ParseDateToken(name)
		if !ok {
			continue
		}
		if best == nil || marker.After(best.LastMarker) {
			best = &domain.SyncState{
				DatasetID:         src.ID,
				LastMarker:        marker,
				LocalArtifactPath: filepath.Join(dir, name),
			}
		}
	}

	if best != nil {
		s.logger.Info("Derived sync state from local artifact",
			"dataset", src.ID,
			"file", filepath.Base(best.LocalArtifactPath),
			"marker", best.LastMarker.String(),
		)
	}
	return best, nil
}

// Save は同期状態を保存します
// 保存済みマーカー以下の場合は ErrStaleMarker を返します
func (s *SidecarStore) Save(ctx context.Context, state domain.SyncState) error {
	if state.DatasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	if state.LastMarker.IsZero() {
		return fmt.Errorf("marker is required for %s", state.DatasetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(state.DatasetID)
	if err != nil {
		return err
	}
	if current != nil {
		stored, err := parseRecordMarker(current)
		if err == nil && !state.LastMarker.After(stored) {
			return fmt.Errorf("%s: stored %s, got %s: %w",
				state.DatasetID, stored.String(), state.LastMarker.String(), domain.ErrStaleMarker)
		}
	}

	rec := sidecarRecord{
		RowsUpdatedAt:     state.LastMarker.Time.UTC().Format(time.RFC3339Nano),
		Token:             state.LastMarker.Token,
		LocalArtifactPath: state.LocalArtifactPath,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}

	if err := writeFileAtomic(s.sidecarPath(state.DatasetID), data); err != nil {
		return fmt.Errorf("failed to write sidecar for %s: %w", state.DatasetID, err)
	}
	return nil
}

// Prune は keep 以外で日付トークンを持つ古い成果物を削除します
func (s *SidecarStore) Prune(ctx context.Context, datasetID, keep string) ([]string, error) {
	keepMarker, ok := domain.ParseDateToken(keep)
	if !ok {
		return nil, nil
	}

	dir := s.ArtifactDir(datasetID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	keepName := filepath.Base(keep)
	ext := filepath.Ext(keepName)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keepName || filepath.Ext(name) != ext {
			continue
		}
		marker, ok := domain.ParseDateToken(name)
		if !ok || !keepMarker.After(marker) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.logger.Warn("Failed to remove old artifact", "dataset", datasetID, "file", name, "error", err)
			continue
		}
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		s.logger.Info("Removed old artifacts", "dataset", datasetID, "files", removed)
	}
	return removed, nil
}

func (s *SidecarStore) read(datasetID string) (*sidecarRecord, error) {
	data, err := os.ReadFile(s.sidecarPath(datasetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}

	var rec sidecarRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar for %s: %w", datasetID, err)
	}
	if rec.RowsUpdatedAt == "" {
		return nil, nil
	}
	return &rec, nil
}

// parseRecordMarker はサイドカーの時刻を解析します
// タイムゾーンのない値はUTCとして扱います
func parseRecordMarker(rec *sidecarRecord) (domain.Marker, error) {
	if t, err := time.Parse(time.RFC3339Nano, rec.RowsUpdatedAt); err == nil {
		m := domain.NewMarker(t)
		m.Token = rec.Token
		return m, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, rec.RowsUpdatedAt); err == nil {
			m := domain.NewMarker(t)
			m.Token = rec.Token
			return m, nil
		}
	}
	return domain.Marker{}, fmt.Errorf("invalid rowsUpdatedAt %q", rec.RowsUpdatedAt)
}

// writeFileAtomic は一時ファイルに書き込んでからリネームします
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
