package domain

import (
	"context"
)

// ProgressFunc はダウンロード進捗の通知を受け取るコールバックです
type ProgressFunc func(task *DownloadTask)

// Transport はリモートからローカルへバイト列を転送します
type Transport interface {
	// Fetch はタスクのリモートターゲットを宛先パスへストリーム転送します
	// 失敗時は宛先の部分ファイルを必ず削除します
	Fetch(ctx context.Context, task *DownloadTask, progress ProgressFunc) (int64, error)

	// Probe はファイルの存在を軽量に確認します
	// archive が true の場合は先頭バイトがZIPであることも確認します
	Probe(ctx context.Context, url string, archive bool) (bool, error)

	// List はディレクトリのファイル名一覧を返します
	List(ctx context.Context, dirURL string) ([]string, error)
}

// Check は鮮度判定の結果です
type Check struct {
	Needed       bool
	RemoteMarker Marker
	Target       string // 取得対象のURL
	FileName     string // ローカルに保存するファイル名
}

// SourceAdapter はプロトコルごとの鮮度判定と取得先解決を行います
type SourceAdapter interface {
	// Check はリモートの鮮度マーカーを取得し、state と比較して取得要否を判定します
	// state が nil の場合は未同期として扱います
	Check(ctx context.Context, src DatasetSource, state *SyncState) (Check, error)
}

// MetadataStore はデータセットごとの同期状態を永続化します
type MetadataStore interface {
	// Load は保存済みの同期状態を返します。存在しない場合は nil を返します
	Load(ctx context.Context, src DatasetSource) (*SyncState, error)

	// Save は同期状態を保存します
	// 保存済みマーカー以下の場合は ErrStaleMarker を返します
	Save(ctx context.Context, state SyncState) error

	// ArtifactDir はデータセットの成果物ディレクトリを返します
	ArtifactDir(datasetID string) string
}

// HistoryFilter は履歴検索の条件です
type HistoryFilter struct {
	Type    string
	Dataset string
}

// HistoryStore は同期履歴を追記・取得します
type HistoryStore interface {
	Append(ctx context.Context, event UpdateEvent) error

	// Recent はタイムスタンプの新しい順に最大 limit 件を返します
	Recent(ctx context.Context, limit int, filter HistoryFilter) ([]UpdateEvent, error)
}

// ArchiveExtractor はアーカイブから単一メンバーを展開します
type ArchiveExtractor interface {
	Extract(archivePath, member, extractDir string) (bool, error)
}

// DownstreamTrigger は更新検出時に後続処理を起動します
type DownstreamTrigger interface {
	TriggerDownstream(ctx context.Context) error
}

// ArtifactPruner は新しい成果物に置き換えられた古いファイルを削除します
// MetadataStore が任意で実装します
type ArtifactPruner interface {
	Prune(ctx context.Context, datasetID, keep string) ([]string, error)
}
