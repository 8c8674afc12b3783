package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/retry"
)

// downloadQuery はCSVエクスポートのクエリ
const downloadQuery = "/rows.csv?accessType=DOWNLOAD&api_foundry=true"

// metadataBodyLimit はメタデータレスポンスの最大サイズ
const metadataBodyLimit = 16 * 1024 * 1024

// APIMetadataAdapter はメタデータAPIの最終更新時刻で鮮度を判定します
type APIMetadataAdapter struct {
	client    *http.Client
	userAgent string
	policy    retry.Policy
	logger    *slog.Logger
}

// NewAPIMetadataAdapter は新しい APIMetadataAdapter を作成します
func NewAPIMetadataAdapter(client *http.Client, opts ...Option) *APIMetadataAdapter {
	o := newOptions(opts)
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &APIMetadataAdapter{
		client:    client,
		userAgent: o.userAgent,
		policy:    o.policy,
		logger:    o.logger,
	}
}

type viewMetadata struct {
	RowsUpdatedAt *json.Number `json:"rowsUpdatedAt"`
}

// Check はメタデータの rowsUpdatedAt を取得し、保存済みマーカーと比較します
func (a *APIMetadataAdapter) Check(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error) {
	remote, err := a.fetchMarker(ctx, src)
	if err != nil {
		return domain.Check{}, err
	}

	check := domain.Check{
		Needed:       needsUpdate(remote, state),
		RemoteMarker: remote,
		Target:       strings.TrimSuffix(src.Location, "/") + downloadQuery,
		FileName:     src.ID + ".csv",
	}

	a.logger.Info("Server update date",
		"dataset", src.ID,
		"remote", remote.String(),
		"needed", check.Needed,
	)
	return check, nil
}

func (a *APIMetadataAdapter) fetchMarker(ctx context.Context, src domain.DatasetSource) (domain.Marker, error) {
	var meta viewMetadata
	err := a.policy.Do(ctx, "metadata "+src.ID, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
		if err != nil {
			return domain.NewPermanentError("metadata", src.Location, err)
		}
		req.Header.Set("User-Agent", a.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewTransientError("metadata", src.Location, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return domain.NewStatusError("metadata", src.Location, resp.StatusCode)
		}

		meta = viewMetadata{}
		dec := json.NewDecoder(io.LimitReader(resp.Body, metadataBodyLimit))
		dec.UseNumber()
		if err := dec.Decode(&meta); err != nil {
			return &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "malformed metadata", Err: err}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.Marker{}, err
		}
		var fe *domain.FreshnessCheckError
		if errors.As(err, &fe) {
			return domain.Marker{}, err
		}
		return domain.Marker{}, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "metadata request failed", Err: err}
	}

	if meta.RowsUpdatedAt == nil {
		return domain.Marker{}, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "no rowsUpdatedAt field"}
	}
	return parseEpoch(src.ID, *meta.RowsUpdatedAt)
}

// parseEpoch はエポック秒（小数可）をマーカーに変換します
func parseEpoch(datasetID string, n json.Number) (domain.Marker, error) {
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return domain.Marker{}, &domain.FreshnessCheckError{
			DatasetID: datasetID,
			Reason:    fmt.Sprintf("invalid rowsUpdatedAt %q", n.String()),
			Err:       err,
		}
	}
	sec, frac := math.Modf(f)
	return domain.NewMarker(time.Unix(int64(sec), int64(frac*1e9))), nil
}
