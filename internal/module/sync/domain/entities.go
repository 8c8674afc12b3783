package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// === DatasetSource ===

// Protocol はデータセットの取得元プロトコル種別を表します
type Protocol string

const (
	ProtocolAPIMetadata Protocol = "api-metadata"
	ProtocolFTPDir      Protocol = "ftp-dir"
	ProtocolHTTPStatic  Protocol = "http-static"
	ProtocolShareLink   Protocol = "share-link"
)

// Valid はプロトコルが既知の値かどうかを返します
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolAPIMetadata, ProtocolFTPDir, ProtocolHTTPStatic, ProtocolShareLink:
		return true
	}
	return false
}

// FreshnessStrategy は鮮度判定の方式を表します
type FreshnessStrategy string

const (
	FreshnessServerTimestamp FreshnessStrategy = "server-timestamp-field"
	FreshnessFilenameDate    FreshnessStrategy = "filename-date-token"
	FreshnessContentHash     FreshnessStrategy = "content-hash"
)

// DatasetSource は同期対象データセットの静的な定義です
// プロセス起動中は不変として扱います
type DatasetSource struct {
	ID        string            `json:"id" yaml:"id"`
	Protocol  Protocol          `json:"protocol" yaml:"protocol"`
	Location  string            `json:"location" yaml:"location"`
	Category  string            `json:"category" yaml:"category"`
	Freshness FreshnessStrategy `json:"freshness" yaml:"freshness"`

	// Archive が true の場合、取得後にアーカイブ展開を行う
	Archive bool `json:"archive" yaml:"archive"`

	// ExtractDir は展開先ディレクトリ（未指定の場合は成果物ディレクトリ配下の Extracted）
	ExtractDir string `json:"extractDir,omitempty" yaml:"extract_dir"`

	// FilePattern はディレクトリ一覧をフィルタする正規表現（一覧取得できるサーバのみ）
	FilePattern string `json:"pattern,omitempty" yaml:"pattern"`

	// FileTemplate は一覧が取れないサーバで候補名を生成するテンプレート（{date} を置換）
	FileTemplate string `json:"template,omitempty" yaml:"template"`

	// ProbeWindow は現在月を中心に探索する月数（片側）
	ProbeWindow int `json:"probeWindow,omitempty" yaml:"probe_window"`

	// Links は share-link の固定リンク一覧
	Links []string `json:"links,omitempty" yaml:"links"`
}

// Validate は定義の整合性を検証します
func (s DatasetSource) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("dataset id is required")
	}
	if !s.Protocol.Valid() {
		return fmt.Errorf("dataset %s: unknown protocol %q", s.ID, s.Protocol)
	}
	switch s.Protocol {
	case ProtocolShareLink:
		if len(s.Links) == 0 {
			return fmt.Errorf("dataset %s: share-link requires links", s.ID)
		}
	default:
		if s.Location == "" {
			return fmt.Errorf("dataset %s: location is required", s.ID)
		}
	}
	if (s.Protocol == ProtocolFTPDir || s.Protocol == ProtocolHTTPStatic) && s.FilePattern == "" && s.FileTemplate == "" {
		return fmt.Errorf("dataset %s: pattern or template is required", s.ID)
	}
	switch s.Freshness {
	case "", FreshnessFilenameDate:
	case FreshnessServerTimestamp:
		if s.Protocol != ProtocolAPIMetadata {
			return fmt.Errorf("dataset %s: %s is only supported for api-metadata", s.ID, s.Freshness)
		}
	case FreshnessContentHash:
		if s.Protocol != ProtocolShareLink {
			return fmt.Errorf("dataset %s: content-hash is only supported for share-link", s.ID)
		}
	default:
		return fmt.Errorf("dataset %s: unknown freshness strategy %q", s.ID, s.Freshness)
	}
	return nil
}

// === SyncState ===

// Marker は全順序を持つ鮮度マーカーです
// サーバのタイムスタンプ、またはファイル名から解析した日付トークンを保持します
type Marker struct {
	Time  time.Time `json:"time"`
	Token string    `json:"token,omitempty"`
}

// NewMarker は時刻からマーカーを作成します（UTCに正規化）
func NewMarker(t time.Time) Marker {
	return Marker{Time: t.UTC()}
}

// IsZero はマーカーが未設定かどうかを返します
func (m Marker) IsZero() bool {
	return m.Time.IsZero()
}

// After は m が other より新しいかどうかを返します
func (m Marker) After(other Marker) bool {
	return m.Time.After(other.Time)
}

func (m Marker) String() string {
	if m.IsZero() {
		return "<none>"
	}
	if m.Token != "" {
		return m.Token
	}
	return m.Time.Format(time.RFC3339)
}

// SyncState はデータセットごとの同期状態です
type SyncState struct {
	DatasetID         string
	LastMarker        Marker
	LocalArtifactPath string
}

// === DownloadTask ===

// DownloadStatus はダウンロードタスクの状態を表します
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "in-progress"
	DownloadComplete   DownloadStatus = "complete"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadTask は1回の取得試行を表す一時的なタスクです（永続化しない）
type DownloadTask struct {
	SourceID         string
	RemoteTarget     string
	DestinationPath  string
	BytesTransferred int64
	TotalBytes       int64 // 不明な場合は -1
	Rate             float64
	Status           DownloadStatus
	StartedAt        time.Time

	// ExpectArchive が true の場合、先頭バイトがZIPであることを検証する
	ExpectArchive bool
}

// NewDownloadTask は pending 状態のタスクを作成します
func NewDownloadTask(sourceID, remote, dest string) *DownloadTask {
	return &DownloadTask{
		SourceID:        sourceID,
		RemoteTarget:    remote,
		DestinationPath: dest,
		TotalBytes:      -1,
		Status:          DownloadPending,
	}
}

// Key は同時実行制御に使うキーを返します
func (t *DownloadTask) Key() string {
	return t.SourceID + "|" + t.DestinationPath
}

// StagingSuffix は検証前の取得ファイルに付ける接尾辞
const StagingSuffix = ".incoming"

// StagingPath は dest を置き換える前に取得・検証するためのパスを返します
func StagingPath(dest string) string {
	return dest + StagingSuffix
}

// === UpdateEvent ===

// UpdateStatus は同期イベントのステータスです
type UpdateStatus string

const (
	StatusUpdating UpdateStatus = "updating"
	StatusSuccess  UpdateStatus = "success"
	StatusNoUpdate UpdateStatus = "no-update"
	StatusFailed   UpdateStatus = "failed"
)

// UpdateEvent は追記専用の同期履歴エントリです
type UpdateEvent struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Dataset   string         `json:"dataset,omitempty"`
	Status    UpdateStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

// Progress は進行中ダウンロードのライブ情報です
type Progress struct {
	Dataset   string    `json:"dataset"`
	Bytes     int64     `json:"bytes"`
	Rate      float64   `json:"rate"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// === Outcome ===

// OutcomeKind はデータセット単位の同期結果種別です
type OutcomeKind string

const (
	OutcomeNoUpdate OutcomeKind = "no-update"
	OutcomeUpdated  OutcomeKind = "updated"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome はデータセット単位の同期結果です
// 例外の有無ではなく明示的な種別で成功・失敗を表します
type Outcome struct {
	DatasetID string
	Kind      OutcomeKind
	Marker    Marker
	Artifact  string
	Extracted string
	Err       error
}

// Changed はデータセットが更新されたかどうかを返します
func (o Outcome) Changed() bool {
	return o.Kind == OutcomeUpdated
}
