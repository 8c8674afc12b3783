package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// WorkflowRunAction は後続ワークフローを即時に実行するコマンドのアクション
// スケジューラの再試行は行わず、結果は履歴に記録する
func WorkflowRunAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.RunWorkflow(ctx); err != nil {
		return fmt.Errorf("ワークフローの実行に失敗: %w", err)
	}
	fmt.Println("✓ ワークフローが正常に終了しました")
	return nil
}
