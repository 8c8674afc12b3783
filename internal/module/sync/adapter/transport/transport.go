package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/retry"
)

const (
	// DefaultChunkSize はストリーム転送のチャンクサイズ（8MiB）
	DefaultChunkSize = 8 * 1024 * 1024
	// DefaultFTPWorkers はFTPのブロッキング処理を実行するワーカー数
	DefaultFTPWorkers = 3
	// DefaultProgressInterval は進捗通知の間隔
	DefaultProgressInterval = time.Second
	// DefaultUserAgent はHTTPリクエストのUser-Agent
	DefaultUserAgent = "dataset-sync/1.0"
)

// Transport はHTTP(S)とFTPのバイト転送を提供します
type Transport struct {
	httpClient       *http.Client
	connectTimeout   time.Duration
	userAgent        string
	chunkSize        int
	progressInterval time.Duration
	policy           retry.Policy
	ftpDialer        FTPDialer
	ftpPool          *semaphore.Weighted
	inflight         *inflightRegistry
	logger           *slog.Logger
}

// Option は Transport 構築時のオプション
type Option func(*Transport)

// WithHTTPClient はHTTPクライアントを差し替える
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = client
	}
}

// WithConnectTimeout は接続タイムアウトを設定する
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithUserAgent はUser-Agentを設定する
func WithUserAgent(ua string) Option {
	return func(t *Transport) {
		if ua != "" {
			t.userAgent = ua
		}
	}
}

// WithChunkSize はチャンクサイズを設定する
func WithChunkSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.chunkSize = size
		}
	}
}

// WithRetryPolicy は再試行ポリシーを設定する
func WithRetryPolicy(policy retry.Policy) Option {
	return func(t *Transport) {
		t.policy = policy
	}
}

// WithFTPDialer はFTP接続関数を差し替える
func WithFTPDialer(dialer FTPDialer) Option {
	return func(t *Transport) {
		t.ftpDialer = dialer
	}
}

// WithFTPWorkers はFTPワーカー数を設定する
func WithFTPWorkers(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.ftpPool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithProgressInterval は進捗通知の間隔を設定する
func WithProgressInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.progressInterval = d
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewHTTPClient は大容量ダウンロード向けのHTTPクライアントを作成します
// 接続のみタイムアウトを設定し、全体のタイムアウトは設けません
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// New は新しい Transport を作成します
func New(opts ...Option) *Transport {
	t := &Transport{
		connectTimeout:   60 * time.Second,
		userAgent:        DefaultUserAgent,
		chunkSize:        DefaultChunkSize,
		progressInterval: DefaultProgressInterval,
		policy:           retry.DefaultPolicy(domain.IsTransient),
		ftpDialer:        DialFTP,
		ftpPool:          semaphore.NewWeighted(DefaultFTPWorkers),
		inflight:         newInflightRegistry(),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.httpClient == nil {
		t.httpClient = NewHTTPClient(t.connectTimeout)
	}
	if t.policy.Retryable == nil {
		t.policy.Retryable = domain.IsTransient
	}
	if t.policy.Logger == nil {
		t.policy.Logger = t.logger
	}
	return t
}

// activeDownloads は実行中のダウンロード数を返します
func (t *Transport) activeDownloads() int {
	return t.inflight.len()
}

// Fetch はリモートターゲットを宛先パスへ転送します
// 同一 (source-id, destination-path) への同時実行は ErrDownloadInFlight で拒否します
// 一時的エラーは再試行ポリシーに従って再試行し、失敗時は部分ファイルを残しません
func (t *Transport) Fetch(ctx context.Context, task *domain.DownloadTask, progress domain.ProgressFunc) (int64, error) {
	release, err := t.inflight.acquire(task.Key())
	if err != nil {
		return 0, err
	}
	defer release()

	u, err := url.Parse(task.RemoteTarget)
	if err != nil {
		task.Status = domain.DownloadFailed
		return 0, domain.NewPermanentError("fetch", task.RemoteTarget, fmt.Errorf("invalid url: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(task.DestinationPath), 0o755); err != nil {
		task.Status = domain.DownloadFailed
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var written int64
	err = t.policy.Do(ctx, "fetch "+task.SourceID, func(ctx context.Context, attempt int) error {
		task.BytesTransferred = 0
		task.Rate = 0
		task.StartedAt = time.Now()
		task.Status = domain.DownloadInProgress

		n, err := t.fetchOnce(ctx, u, task, progress)
		if err != nil {
			t.logger.Warn("Download attempt failed",
				"dataset", task.SourceID,
				"url", task.RemoteTarget,
				"attempt", attempt,
				"bytes", task.BytesTransferred,
				"error", err,
			)
			return err
		}
		written = n
		return nil
	})
	if err != nil {
		task.Status = domain.DownloadFailed
		return 0, err
	}

	task.Status = domain.DownloadComplete
	t.logger.Info("Download complete",
		"dataset", task.SourceID,
		"path", task.DestinationPath,
		"bytes", written,
		"elapsed", time.Since(task.StartedAt).Round(time.Millisecond),
	)
	return written, nil
}

// fetchOnce は1回分の転送を行います
// 一時ファイルに書き込み、成功時のみ宛先へリネームします
// 失敗時に削除するのは一時ファイルのみで、既存の宛先ファイルは残します
func (t *Transport) fetchOnce(ctx context.Context, u *url.URL, task *domain.DownloadTask, progress domain.ProgressFunc) (n int64, err error) {
	part := task.DestinationPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", part, err)
	}

	defer func() {
		if err != nil {
			_ = f.Close()
			removeIfExists(part)
		}
	}()

	pw := newProgressWriter(f, task, progress, t.progressInterval)

	switch u.Scheme {
	case "http", "https":
		n, err = t.httpFetch(ctx, task, pw)
	case "ftp":
		n, err = t.ftpFetch(ctx, u, task, pw)
	default:
		err = domain.NewPermanentError("fetch", task.RemoteTarget, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if err != nil {
		return 0, err
	}
	pw.flush()

	if err = f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	if err = os.Rename(part, task.DestinationPath); err != nil {
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}
	return n, nil
}

// Probe はファイルの存在と先頭バイトを確認します
func (t *Transport) Probe(ctx context.Context, rawURL string, archive bool) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, domain.NewPermanentError("probe", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return t.httpProbe(ctx, rawURL, archive)
	case "ftp":
		return t.ftpProbe(ctx, u, archive)
	default:
		return false, domain.NewPermanentError("probe", rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

// List はディレクトリのファイル名一覧を返します
func (t *Transport) List(ctx context.Context, dirURL string) ([]string, error) {
	u, err := url.Parse(dirURL)
	if err != nil {
		return nil, domain.NewPermanentError("list", dirURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return t.httpList(ctx, dirURL)
	case "ftp":
		return t.ftpList(ctx, u)
	default:
		return nil, domain.NewPermanentError("list", dirURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove partial file", "path", path, "error", err)
	}
}
