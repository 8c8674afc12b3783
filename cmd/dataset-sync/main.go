package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dataset-sync/cmd/dataset-sync/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "dataset-sync",
		Usage: "公開データセットの更新検出・取得と後続ワークフローの定期実行",
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "初回同期のあとスケジューラを起動し、終了シグナルまで常駐",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "skip-initial",
						Usage: "起動時の同期パスを省略",
					},
				},
				Action: commands.DaemonAction,
			},
			{
				Name:  "sync",
				Usage: "同期コマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "同期パスを1回実行",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "dataset",
								Usage: "データセットID（省略時は全データセット）",
							},
						},
						Action: commands.SyncRunAction,
					},
				},
			},
			{
				Name:  "workflow",
				Usage: "後続ワークフローコマンド",
				Commands: []*cli.Command{
					{
						Name:   "run",
						Usage:  "後続ワークフローを即時実行",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.WorkflowRunAction,
					},
				},
			},
			{
				Name:  "status",
				Usage: "状態表示コマンド",
				Commands: []*cli.Command{
					{
						Name:  "history",
						Usage: "同期履歴を新しい順に表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 20,
							},
							&cli.StringFlag{
								Name:  "type",
								Usage: "種別で絞り込み（api-metadata, ftp-dir, workflow など）",
							},
							&cli.StringFlag{
								Name:  "dataset",
								Usage: "データセットIDで絞り込み",
							},
						},
						Action: commands.StatusHistoryAction,
					},
					{
						Name:   "schedule",
						Usage:  "ジョブの次回実行予定と後続ワークフローの最終結果を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.StatusScheduleAction,
					},
				},
			},
			{
				Name:  "datasets",
				Usage: "データセット定義コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "データセット定義を検証して一覧表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "file",
								Usage: "データセット定義ファイル（省略時は DATASETS_FILE）",
							},
						},
						Action: commands.DatasetsListAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
