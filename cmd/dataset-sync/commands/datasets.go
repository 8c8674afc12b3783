package commands

import (
	"context"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/config"
)

// DatasetsListAction はデータセット定義の一覧を表示するコマンドのアクション
// 定義ファイルの検証のみを行い、リモートへの接続はしない
func DatasetsListAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return err
	}

	path := cmd.String("file")
	if path == "" {
		path = cfg.DatasetsFile
	}
	sources, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}

	renderDatasets(os.Stdout, sources)
	return nil
}

// renderDatasets はデータセット定義をテーブル表示します
func renderDatasets(w io.Writer, sources []domain.DatasetSource) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Protocol", "Freshness", "Archive", "Location")
	for _, src := range sources {
		location := src.Location
		if location == "" && len(src.Links) > 0 {
			location = src.Links[0]
		}
		archive := ""
		if src.Archive {
			archive = "yes"
		}
		table.Append(src.ID, string(src.Protocol), string(src.Freshness), archive, truncateString(location, 60))
	}
	table.Render()
}
