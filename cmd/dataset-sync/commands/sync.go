package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	syncapp "github.com/jinford/dataset-sync/internal/module/sync/application"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/container"
)

// progressInterval は同期中に進捗を出力する間隔
const progressInterval = 5 * time.Second

// SyncRunAction は同期パスを1回実行するコマンドのアクション
// --dataset を指定した場合はそのデータセットのみ同期する
// 更新を検出した場合は後続ワークフローの終了（再試行を含む）まで待つ
func SyncRunAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	return runSync(ctx, os.Stdout, appCtx.Container, cmd.String("dataset"))
}

func runSync(ctx context.Context, w io.Writer, c *container.Container, datasetID string) error {
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go reportProgress(reportCtx, c.Tracker, c.Logger, progressInterval)

	orch := c.Orchestrator
	if datasetID != "" {
		outcome, err := orch.RunDataset(ctx, datasetID)
		if err != nil {
			return fmt.Errorf("データセット %s の同期に失敗: %w", datasetID, err)
		}
		renderOutcomes(w, map[string]domain.Outcome{datasetID: outcome})
		if outcome.Kind == domain.OutcomeFailed {
			return fmt.Errorf("データセット %s の同期に失敗: %w", datasetID, outcome.Err)
		}
		return nil
	}

	result, err := orch.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("同期パスに失敗: %w", err)
	}
	renderPassResult(w, result)
	return nil
}

// reportProgress は ctx が取り消されるまで実行中ダウンロードの進捗を定期的にログ出力します
func reportProgress(ctx context.Context, tracker *syncapp.StatusTracker, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range tracker.Progress() {
				log.Info("Downloading",
					"dataset", p.Dataset,
					"downloaded", formatBytes(p.Bytes),
					"rate", formatBytes(int64(p.Rate))+"/s",
				)
			}
		}
	}
}

// renderPassResult は同期パスの結果を表示します
func renderPassResult(w io.Writer, result syncapp.PassResult) {
	renderOutcomes(w, result.Outcomes)
	fmt.Fprintf(w, "changed: %t, failed: %d\n", result.Changed, len(result.Failed()))
}

// renderOutcomes はデータセットごとの結果をID順にテーブル表示します
func renderOutcomes(w io.Writer, outcomes map[string]domain.Outcome) {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(w)
	table.Header("Dataset", "Result", "Marker", "Artifact", "Error")
	for _, id := range ids {
		o := outcomes[id]
		marker := ""
		if !o.Marker.IsZero() {
			marker = o.Marker.String()
		}
		errMsg := ""
		if o.Err != nil {
			errMsg = truncateString(o.Err.Error(), 60)
		}
		table.Append(id, string(o.Kind), marker, o.Artifact, errMsg)
	}
	table.Render()
}

func truncateString(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
