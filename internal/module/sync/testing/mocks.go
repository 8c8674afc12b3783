package testing

import (
	"context"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// MockTransport はテスト用のモックTransportです
type MockTransport struct {
	FetchFunc func(ctx context.Context, task *domain.DownloadTask, progress domain.ProgressFunc) (int64, error)
	ProbeFunc func(ctx context.Context, url string, archive bool) (bool, error)
	ListFunc  func(ctx context.Context, dirURL string) ([]string, error)
}

func (m *MockTransport) Fetch(ctx context.Context, task *domain.DownloadTask, progress domain.ProgressFunc) (int64, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, task, progress)
	}
	return 0, nil
}

func (m *MockTransport) Probe(ctx context.Context, url string, archive bool) (bool, error) {
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, url, archive)
	}
	return false, nil
}

func (m *MockTransport) List(ctx context.Context, dirURL string) ([]string, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, dirURL)
	}
	return nil, nil
}

// MockSourceAdapter はテスト用のモックSourceAdapterです
type MockSourceAdapter struct {
	CheckFunc func(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error)
}

func (m *MockSourceAdapter) Check(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error) {
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx, src, state)
	}
	return domain.Check{}, nil
}

// MockMetadataStore はテスト用のモックMetadataStoreです
type MockMetadataStore struct {
	LoadFunc        func(ctx context.Context, src domain.DatasetSource) (*domain.SyncState, error)
	SaveFunc        func(ctx context.Context, state domain.SyncState) error
	ArtifactDirFunc func(datasetID string) string
}

func (m *MockMetadataStore) Load(ctx context.Context, src domain.DatasetSource) (*domain.SyncState, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, src)
	}
	return nil, nil
}

func (m *MockMetadataStore) Save(ctx context.Context, state domain.SyncState) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, state)
	}
	return nil
}

func (m *MockMetadataStore) ArtifactDir(datasetID string) string {
	if m.ArtifactDirFunc != nil {
		return m.ArtifactDirFunc(datasetID)
	}
	return datasetID
}

// MockHistoryStore はテスト用のモックHistoryStoreです
type MockHistoryStore struct {
	AppendFunc func(ctx context.Context, event domain.UpdateEvent) error
	RecentFunc func(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error)
}

func (m *MockHistoryStore) Append(ctx context.Context, event domain.UpdateEvent) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, event)
	}
	return nil
}

func (m *MockHistoryStore) Recent(ctx context.Context, limit int, filter domain.HistoryFilter) ([]domain.UpdateEvent, error) {
	if m.RecentFunc != nil {
		return m.RecentFunc(ctx, limit, filter)
	}
	return nil, nil
}

// MockArchiveExtractor はテスト用のモックArchiveExtractorです
type MockArchiveExtractor struct {
	ExtractFunc func(archivePath, member, extractDir string) (bool, error)
}

func (m *MockArchiveExtractor) Extract(archivePath, member, extractDir string) (bool, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(archivePath, member, extractDir)
	}
	return true, nil
}

// MockDownstreamTrigger はテスト用のモックDownstreamTriggerです
type MockDownstreamTrigger struct {
	TriggerDownstreamFunc func(ctx context.Context) error
}

func (m *MockDownstreamTrigger) TriggerDownstream(ctx context.Context) error {
	if m.TriggerDownstreamFunc != nil {
		return m.TriggerDownstreamFunc(ctx)
	}
	return nil
}
