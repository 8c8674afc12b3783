package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// DefaultConcurrency は同時に同期するデータセット数
const DefaultConcurrency = 5

// PassResult は1回の同期パスの結果です
type PassResult struct {
	Changed   bool
	Outcomes  map[string]domain.Outcome
	StartedAt time.Time
	Duration  time.Duration
}

// Failed は失敗したデータセットIDを返します
func (r PassResult) Failed() []string {
	var ids []string
	for id, o := range r.Outcomes {
		if o.Kind == domain.OutcomeFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Orchestrator は全データセットの同期パスを実行します
type Orchestrator struct {
	sources     []domain.DatasetSource
	adapter     domain.SourceAdapter
	transport   domain.Transport
	store       domain.MetadataStore
	extractor   domain.ArchiveExtractor
	tracker     *StatusTracker
	downstream  domain.DownstreamTrigger
	concurrency int
	log         *slog.Logger
}

// OrchestratorOption は Orchestrator 構築時のオプション
type OrchestratorOption func(*Orchestrator)

// WithConcurrency は同時実行数を設定する
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithDownstream は更新検出時に起動する後続処理を設定する
func WithDownstream(trigger domain.DownstreamTrigger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.downstream = trigger
	}
}

// NewOrchestrator は新しいOrchestratorを作成します
func NewOrchestrator(
	sources []domain.DatasetSource,
	adapter domain.SourceAdapter,
	transport domain.Transport,
	store domain.MetadataStore,
	extractor domain.ArchiveExtractor,
	tracker *StatusTracker,
	log *slog.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		sources:     sources,
		adapter:     adapter,
		transport:   transport,
		store:       store,
		extractor:   extractor,
		tracker:     tracker,
		concurrency: DefaultConcurrency,
		log:         log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunPass は全データセットを同期します
// データセット単位の失敗は failed イベントとして記録し、パスは継続します
// 返すエラーはコンテキストのキャンセルのみです
func (o *Orchestrator) RunPass(ctx context.Context) (PassResult, error) {
	start := o.tracker.clock.Now()
	o.log.Info("Starting sync pass", "datasets", len(o.sources), "concurrency", o.concurrency)

	seen := make(map[string]struct{})
	for _, src := range o.sources {
		typ := updateType(src)
		if _, ok := seen[typ]; ok {
			continue
		}
		seen[typ] = struct{}{}
		_, _ = o.tracker.Log(ctx, typ, domain.StatusUpdating, map[string]any{"message": "Starting update check"})
	}

	outcomes := o.runAll(ctx, o.sources)

	result := PassResult{
		Outcomes:  outcomes,
		StartedAt: start,
		Duration:  o.tracker.elapsedSince(start),
	}
	for _, out := range outcomes {
		if out.Changed() {
			result.Changed = true
		}
	}

	o.log.Info("Sync pass finished",
		"changed", result.Changed,
		"failed", len(result.Failed()),
		"elapsed", result.Duration.Round(time.Millisecond),
	)

	if err := ctx.Err(); err != nil {
		return result, err
	}

	o.signalDownstream(ctx, result.Changed)
	return result, nil
}

// RunDataset は指定したデータセットのみ同期します
func (o *Orchestrator) RunDataset(ctx context.Context, id string) (domain.Outcome, error) {
	for _, src := range o.sources {
		if src.ID != id {
			continue
		}
		_, _ = o.tracker.LogDataset(ctx, updateType(src), src.ID, domain.StatusUpdating, map[string]any{"message": "Manual update triggered"})
		out := o.syncOne(ctx, src)
		if err := ctx.Err(); err != nil {
			return out, err
		}
		o.signalDownstream(ctx, out.Changed())
		return out, nil
	}
	return domain.Outcome{}, fmt.Errorf("%w: %s", domain.ErrUnknownDataset, id)
}

func (o *Orchestrator) runAll(ctx context.Context, sources []domain.DatasetSource) map[string]domain.Outcome {
	var (
		mu       sync.Mutex
		outcomes = make(map[string]domain.Outcome, len(sources))
	)

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, src := range sources {
		g.Go(func() error {
			out := o.syncOne(ctx, src)
			mu.Lock()
			outcomes[src.ID] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) signalDownstream(ctx context.Context, changed bool) {
	if !changed || o.downstream == nil {
		return
	}
	o.log.Info("Datasets changed, triggering downstream processing")
	if err := o.downstream.TriggerDownstream(ctx); err != nil {
		o.log.Error("Failed to trigger downstream processing", "error", err)
	}
}

// syncOne は1データセットの鮮度判定から状態保存までを行います
func (o *Orchestrator) syncOne(ctx context.Context, src domain.DatasetSource) domain.Outcome {
	typ := updateType(src)
	log := o.log.With("dataset", src.ID, "protocol", src.Protocol)

	fail := func(stage string, err error) domain.Outcome {
		log.Error("Dataset sync failed", "stage", stage, "error", err, "kind", domain.Classify(err))
		_, _ = o.tracker.LogDataset(ctx, typ, src.ID, domain.StatusFailed, map[string]any{
			"updated": false,
			"stage":   stage,
			"error":   err.Error(),
			"kind":    string(domain.Classify(err)),
		})
		return domain.Outcome{DatasetID: src.ID, Kind: domain.OutcomeFailed, Err: err}
	}

	noUpdate := func(marker domain.Marker, message string) domain.Outcome {
		log.Info("No update needed", "remote", marker.String())
		details := map[string]any{"updated": false, "message": message}
		if !marker.IsZero() {
			details["marker"] = marker.String()
		}
		_, _ = o.tracker.LogDataset(ctx, typ, src.ID, domain.StatusNoUpdate, details)
		return domain.Outcome{DatasetID: src.ID, Kind: domain.OutcomeNoUpdate, Marker: marker}
	}

	state, err := o.store.Load(ctx, src)
	if err != nil {
		return fail("load-state", err)
	}

	check, err := o.adapter.Check(ctx, src, state)
	if err != nil {
		return fail("check", err)
	}
	if !check.Needed {
		return noUpdate(check.RemoteMarker, "Local copy is up to date")
	}

	dest := filepath.Join(o.store.ArtifactDir(src.ID), check.FileName)
	staged := domain.StagingPath(dest)
	task := domain.NewDownloadTask(src.ID, check.Target, staged)
	task.ExpectArchive = src.Archive

	log.Info("New update found, downloading", "remote", check.RemoteMarker.String(), "target", check.Target)
	n, err := o.transport.Fetch(ctx, task, o.tracker.ProgressFunc(src.ID))
	o.tracker.ClearProgress(src.ID)
	if err != nil {
		o.discard(staged, log)
		return fail("fetch", err)
	}

	marker := check.RemoteMarker
	token := memberToken(check)
	if src.Freshness == domain.FreshnessContentHash {
		sum, err := fileSHA256(staged)
		if err != nil {
			o.discard(staged, log)
			return fail("hash", err)
		}
		if state != nil && state.LastMarker.Token == sum {
			o.discard(staged, log)
			return noUpdate(state.LastMarker, "Content unchanged")
		}
		marker.Token = sum
	}

	var extracted string
	if src.Archive {
		extracted, err = o.extract(src, staged, token)
		if err != nil {
			o.discard(staged, log)
			return fail("extract", err)
		}
	}

	// 検証済みの取得ファイルで既存の成果物を置き換える
	if err := os.Rename(staged, dest); err != nil {
		o.discard(staged, log)
		return fail("promote", fmt.Errorf("failed to move artifact into place: %w", err))
	}

	if err := o.store.Save(ctx, domain.SyncState{
		DatasetID:         src.ID,
		LastMarker:        marker,
		LocalArtifactPath: dest,
	}); err != nil {
		return fail("save-state", err)
	}

	if pruner, ok := o.store.(domain.ArtifactPruner); ok && src.Freshness == domain.FreshnessFilenameDate {
		if _, err := pruner.Prune(ctx, src.ID, dest); err != nil {
			log.Warn("Failed to prune old artifacts", "error", err)
		}
	}

	details := map[string]any{
		"updated": true,
		"marker":  marker.String(),
		"file":    check.FileName,
		"bytes":   n,
	}
	if extracted != "" {
		details["extracted"] = extracted
	}
	_, _ = o.tracker.LogDataset(ctx, typ, src.ID, domain.StatusSuccess, details)
	log.Info("Dataset updated successfully", "file", check.FileName, "bytes", n)

	return domain.Outcome{
		DatasetID: src.ID,
		Kind:      domain.OutcomeUpdated,
		Marker:    marker,
		Artifact:  dest,
		Extracted: extracted,
	}
}

// extract はアーカイブから既知の名前のメンバーを展開し、展開先パスを返します
func (o *Orchestrator) extract(src domain.DatasetSource, archivePath, token string) (string, error) {
	member := domain.ArchiveMemberName(src.Category, token)

	extractDir := src.ExtractDir
	if extractDir == "" {
		extractDir = filepath.Join(o.store.ArtifactDir(src.ID), domain.ExtractDirName)
	}

	ok, err := o.extractor.Extract(archivePath, member, extractDir)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &domain.IntegrityError{Path: archivePath, Reason: fmt.Sprintf("expected member %s not found", member)}
	}
	return filepath.Join(extractDir, member), nil
}

func (o *Orchestrator) discard(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to remove rejected artifact", "path", path, "error", err)
	}
}

// memberToken はアーカイブメンバー名に使う日付トークンを返します
func memberToken(check domain.Check) string {
	if check.RemoteMarker.Token != "" {
		return check.RemoteMarker.Token
	}
	if m, ok := domain.ParseDateToken(check.FileName); ok {
		return m.Token
	}
	return domain.FormatMonthToken(check.RemoteMarker.Time)
}

// updateType はイベントの種別名を返します
func updateType(src domain.DatasetSource) string {
	return string(src.Protocol)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
