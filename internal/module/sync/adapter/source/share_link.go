package source

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// ShareLinkAdapter は固定リンク一覧のファイル名日付で鮮度を判定します
type ShareLinkAdapter struct {
	transport domain.Transport
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewShareLinkAdapter は新しい ShareLinkAdapter を作成します
func NewShareLinkAdapter(transport domain.Transport, opts ...Option) *ShareLinkAdapter {
	o := newOptions(opts)
	return &ShareLinkAdapter{
		transport: transport,
		clock:     o.clock,
		logger:    o.logger,
	}
}

// Check はリンクの中で存在を確認できた最新日付のものを取得対象にします
// content-hash の場合は常に取得対象とし、同一内容かどうかは取得後に判定します
func (a *ShareLinkAdapter) Check(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error) {
	if src.Freshness == domain.FreshnessContentHash {
		return a.contentHashCheck(ctx, src)
	}

	var candidates []candidate
	for _, link := range src.Links {
		name := domain.BaseName(link)
		marker, ok := domain.ParseDateToken(name)
		if !ok {
			a.logger.Warn("Unexpected filename format", "dataset", src.ID, "file", name)
			continue
		}
		candidates = append(candidates, candidate{name: name, url: link, marker: marker})
	}

	best, err := confirmNewest(ctx, a.transport, a.logger, src, candidates)
	if errors.Is(err, domain.ErrNoCandidate) {
		a.logger.Warn("No share link could be confirmed", "dataset", src.ID, "links", len(src.Links))
		return domain.Check{Needed: false}, nil
	}
	if err != nil {
		return domain.Check{}, err
	}

	check := domain.Check{
		Needed:       needsUpdate(best.marker, state),
		RemoteMarker: best.marker,
		Target:       best.url,
		FileName:     best.name,
	}
	if !check.Needed {
		a.logger.Info("No update needed", "dataset", src.ID, "file", best.name)
	}
	return check, nil
}

func (a *ShareLinkAdapter) contentHashCheck(ctx context.Context, src domain.DatasetSource) (domain.Check, error) {
	for _, link := range src.Links {
		ok, err := a.transport.Probe(ctx, link, src.Archive)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Check{}, ctx.Err()
			}
			return domain.Check{}, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "failed to confirm share link", Err: err}
		}
		if ok {
			return domain.Check{
				Needed:       true,
				RemoteMarker: domain.NewMarker(a.clock.Now()),
				Target:       link,
				FileName:     domain.BaseName(link),
			}, nil
		}
	}
	return domain.Check{Needed: false}, nil
}
