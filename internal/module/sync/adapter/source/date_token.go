package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// DefaultProbeWindow は現在月から前後に探索する月数
const DefaultProbeWindow = 2

// dateTemplatePlaceholder はファイル名テンプレート内の日付トークン置換位置
const dateTemplatePlaceholder = "{date}"

// candidate はリモートに存在する可能性のあるファイルです
type candidate struct {
	name   string
	url    string
	marker domain.Marker
}

// DateTokenAdapter はファイル名に埋め込まれた日付トークンで鮮度を判定します
// 一覧取得できるサーバでは一覧をパターンで絞り込み、できない場合は月単位で候補を探索します
type DateTokenAdapter struct {
	transport domain.Transport
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewDateTokenAdapter は新しい DateTokenAdapter を作成します
func NewDateTokenAdapter(transport domain.Transport, opts ...Option) *DateTokenAdapter {
	o := newOptions(opts)
	return &DateTokenAdapter{
		transport: transport,
		clock:     o.clock,
		logger:    o.logger,
	}
}

// Check は確認済みファイルの最新日付をリモートマーカーとして、取得要否を判定します
// 確認できるファイルが1つもない場合は更新なしとして扱います
func (a *DateTokenAdapter) Check(ctx context.Context, src domain.DatasetSource, state *domain.SyncState) (domain.Check, error) {
	candidates, err := a.candidates(ctx, src)
	if err != nil {
		return domain.Check{}, err
	}

	best, err := confirmNewest(ctx, a.transport, a.logger, src, candidates)
	if errors.Is(err, domain.ErrNoCandidate) {
		a.logger.Warn("No available remote file found", "dataset", src.ID, "candidates", len(candidates))
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
	a.logger.Info("Latest remote file",
		"dataset", src.ID,
		"file", best.name,
		"remote", best.marker.String(),
		"needed", check.Needed,
	)
	return check, nil
}

// candidates は一覧取得または月単位の探索で候補ファイルを列挙します
func (a *DateTokenAdapter) candidates(ctx context.Context, src domain.DatasetSource) ([]candidate, error) {
	if src.FilePattern != "" {
		listed, err := a.listed(ctx, src)
		if err == nil {
			return listed, nil
		}
		if src.FileTemplate == "" || ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn("Directory listing failed, probing candidates instead", "dataset", src.ID, "error", err)
	}
	return a.probed(src), nil
}

func (a *DateTokenAdapter) listed(ctx context.Context, src domain.DatasetSource) ([]candidate, error) {
	pattern, err := regexp.Compile(src.FilePattern)
	if err != nil {
		return nil, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "invalid file pattern", Err: err}
	}

	names, err := a.transport.List(ctx, src.Location)
	if err != nil {
		return nil, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "failed to list directory", Err: err}
	}

	var out []candidate
	for _, name := range names {
		if !pattern.MatchString(name) {
			continue
		}
		marker, ok := domain.ParseDateToken(name)
		if !ok {
			a.logger.Debug("Skipping file without date token", "dataset", src.ID, "file", name)
			continue
		}
		out = append(out, candidate{name: name, url: joinURL(src.Location, name), marker: marker})
	}
	return out, nil
}

// probed は現在月を中心に ProbeWindow か月分の候補名を生成します
func (a *DateTokenAdapter) probed(src domain.DatasetSource) []candidate {
	window := src.ProbeWindow
	if window <= 0 {
		window = DefaultProbeWindow
	}
	template := src.FileTemplate
	if template == "" {
		return nil
	}

	now := a.clock.Now().UTC()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	seen := make(map[string]struct{})
	var out []candidate
	for i := -window; i <= window; i++ {
		token := domain.FormatMonthToken(month.AddDate(0, i, 0))
		name := strings.ReplaceAll(template, dateTemplatePlaceholder, token)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		marker, ok := domain.ParseDateToken(name)
		if !ok {
			continue
		}
		out = append(out, candidate{name: name, url: joinURL(src.Location, name), marker: marker})
	}
	return out
}

// confirmNewest は新しい順に候補の存在を確認し、最初に確認できた候補を返します
// 全候補が確認できず、確認中にエラーがあった場合はそのエラーを返します
func confirmNewest(ctx context.Context, transport domain.Transport, logger *slog.Logger, src domain.DatasetSource, candidates []candidate) (candidate, error) {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].marker.After(sorted[j].marker)
	})

	var probeErr error
	for _, c := range sorted {
		ok, err := transport.Probe(ctx, c.url, src.Archive)
		if err != nil {
			if ctx.Err() != nil {
				return candidate{}, ctx.Err()
			}
			logger.Warn("Probe failed", "dataset", src.ID, "url", c.url, "error", err)
			probeErr = err
			continue
		}
		logger.Debug("Probed candidate", "dataset", src.ID, "file", c.name, "exists", ok)
		if ok {
			return c, nil
		}
	}

	if probeErr != nil {
		return candidate{}, &domain.FreshnessCheckError{DatasetID: src.ID, Reason: "failed to confirm remote files", Err: probeErr}
	}
	return candidate{}, fmt.Errorf("%s: %w", src.ID, domain.ErrNoCandidate)
}
