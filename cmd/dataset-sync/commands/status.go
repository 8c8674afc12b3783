package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	scheduleapp "github.com/jinford/dataset-sync/internal/module/schedule/application"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/container"
)

// StatusHistoryAction は同期履歴を新しい順に表示するコマンドのアクション
func StatusHistoryAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	tracker := appCtx.Container.Tracker
	filter := domain.HistoryFilter{
		Type:    cmd.String("type"),
		Dataset: cmd.String("dataset"),
	}
	var events []domain.UpdateEvent
	if filter == (domain.HistoryFilter{}) {
		events, err = tracker.Recent(ctx, cmd.Int("limit"))
	} else {
		events, err = tracker.History(ctx, cmd.Int("limit"), filter)
	}
	if err != nil {
		return fmt.Errorf("履歴の取得に失敗: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("履歴がありません")
		return nil
	}
	renderHistory(os.Stdout, events, appCtx.Container.Scheduler.Location())
	return nil
}

// StatusScheduleAction はジョブの次回実行予定と後続ワークフローの最終結果を表示するコマンドのアクション
func StatusScheduleAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	return renderSchedule(ctx, os.Stdout, appCtx.Container)
}

func renderSchedule(ctx context.Context, w io.Writer, c *container.Container) error {
	loc := c.Scheduler.Location()
	renderEntries(w, c.Scheduler.Entries(), loc)

	last, err := c.Tracker.Latest(ctx, container.JobWorkflow)
	if err != nil {
		return fmt.Errorf("ワークフロー履歴の取得に失敗: %w", err)
	}
	if last == nil {
		fmt.Fprintln(w, "last workflow run: -")
		return nil
	}
	fmt.Fprintf(w, "last workflow run: %s %s %s\n",
		last.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"),
		last.Status,
		formatDetails(last.Details),
	)
	return nil
}

// renderHistory は履歴イベントをテーブル表示します
func renderHistory(w io.Writer, events []domain.UpdateEvent, loc *time.Location) {
	table := tablewriter.NewWriter(w)
	table.Header("Timestamp", "Type", "Dataset", "Status", "Details")
	for _, e := range events {
		table.Append(
			e.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"),
			e.Type,
			e.Dataset,
			string(e.Status),
			truncateString(formatDetails(e.Details), 60),
		)
	}
	table.Render()
}

// renderEntries はジョブの次回実行予定をテーブル表示します
func renderEntries(w io.Writer, entries []scheduleapp.EntryInfo, loc *time.Location) {
	table := tablewriter.NewWriter(w)
	table.Header("Job", "Schedule", "Next Run", "Running", "Retries", "Retry Pending")
	for _, e := range entries {
		next := "-"
		if !e.Next.IsZero() {
			next = e.Next.In(loc).Format("2006-01-02 15:04 MST")
		}
		table.Append(e.ID, e.Spec, next, fmt.Sprintf("%t", e.Running), fmt.Sprintf("%d", e.RetryCount), fmt.Sprintf("%t", e.RetryPending))
	}
	table.Render()
}

func formatDetails(details map[string]any) string {
	if msg, ok := details["error"]; ok {
		return fmt.Sprintf("error: %v", msg)
	}
	if marker, ok := details["marker"]; ok {
		return fmt.Sprintf("marker: %v", marker)
	}
	if msg, ok := details["message"]; ok {
		return fmt.Sprintf("%v", msg)
	}
	return ""
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
