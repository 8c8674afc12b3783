package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dataset-sync/internal/platform/container"
)

// shutdownTimeout は停止時に実行中ジョブの終了を待つ上限
const shutdownTimeout = 30 * time.Second

// DaemonAction はスケジューラを起動して初回の同期パスを実行し、終了シグナルを待つ
func DaemonAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	log := appCtx.Logger()
	c := appCtx.Container

	c.Scheduler.Start()
	for _, e := range c.Scheduler.Entries() {
		log.Info("Job scheduled", "job", e.ID, "spec", e.Spec, "next", e.Next)
	}

	// 初回の同期はスケジュール実行と同じジョブとして起動する
	if !cmd.Bool("skip-initial") {
		log.Info("Running initial dataset update")
		if err := c.Scheduler.TriggerNow(container.JobDatasetUpdate); err != nil {
			return fmt.Errorf("初回の同期の起動に失敗: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Scheduler.Stop(stopCtx)
}
