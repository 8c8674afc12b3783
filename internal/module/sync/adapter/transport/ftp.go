package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// ftpReplyFileUnavailable はファイルが存在しない場合のFTP応答コード
const ftpReplyFileUnavailable = 550

// FTPConn はFTPサーバーとのセッションです
type FTPConn interface {
	Login(user, password string) error
	Retr(path string) (io.ReadCloser, error)
	NameList(path string) ([]string, error)
	FileSize(path string) (int64, error)
	Quit() error
}

// FTPDialer はFTPサーバーへ接続します
type FTPDialer func(ctx context.Context, addr string, timeout time.Duration) (FTPConn, error)

type serverConn struct {
	*ftp.ServerConn
}

func (c *serverConn) Retr(p string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(p)
}

// DialFTP は jlaffaye/ftp を使って接続します
func DialFTP(ctx context.Context, addr string, timeout time.Duration) (FTPConn, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return &serverConn{ServerConn: conn}, nil
}

// ftpCredentials はURLの認証情報を返します（未指定なら anonymous）
func ftpCredentials(u *url.URL) (string, string) {
	if u.User == nil || u.User.Username() == "" {
		return "anonymous", "anonymous"
	}
	password, _ := u.User.Password()
	return u.User.Username(), password
}

func ftpAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "21")
}

// classifyFTP はFTPのエラーを転送エラーに変換します
// 4xx 応答は一時的、5xx 応答は恒久的、接続エラーは一時的とします
func classifyFTP(op, rawURL string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return domain.NewTransientError(op, rawURL, err)
		}
		return domain.NewPermanentError(op, rawURL, err)
	}
	return domain.NewTransientError(op, rawURL, err)
}

func isFTPNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftpReplyFileUnavailable
}

// withFTP はワーカープール上でFTPセッションを開き fn を実行します
// コンテキストがキャンセルされた場合はセッションを切断してブロッキング処理を解除します
func (t *Transport) withFTP(ctx context.Context, u *url.URL, op string, fn func(conn FTPConn) error) error {
	rawURL := u.Redacted()
	if err := t.ftpPool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.ftpPool.Release(1)

	conn, err := t.ftpDialer(ctx, ftpAddr(u), t.connectTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewTransientError(op, rawURL, fmt.Errorf("failed to connect: %w", err))
	}

	user, password := ftpCredentials(u)
	if err := conn.Login(user, password); err != nil {
		_ = conn.Quit()
		return classifyFTP(op, rawURL, fmt.Errorf("failed to login: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(conn)
	}()

	select {
	case err := <-done:
		if qerr := conn.Quit(); qerr != nil {
			t.logger.Debug("FTP quit failed", "url", rawURL, "error", qerr)
		}
		return err
	case <-ctx.Done():
		_ = conn.Quit()
		<-done
		return ctx.Err()
	}
}

// ftpFetch はRETRでファイルを取得し、1MiBブロックで書き込みます
func (t *Transport) ftpFetch(ctx context.Context, u *url.URL, task *domain.DownloadTask, w io.Writer) (int64, error) {
	rawURL := u.Redacted()
	var n int64
	err := t.withFTP(ctx, u, "fetch", func(conn FTPConn) error {
		if size, err := conn.FileSize(u.Path); err == nil {
			task.TotalBytes = size
		}

		r, err := conn.Retr(u.Path)
		if err != nil {
			return classifyFTP("fetch", rawURL, err)
		}
		defer r.Close()

		body, err := sniffReader("fetch", rawURL, r, task.ExpectArchive)
		if err != nil {
			return err
		}

		buf := make([]byte, t.chunkSize)
		n, err = io.CopyBuffer(onlyWriter{w}, onlyReader{body}, buf)
		if err != nil {
			return domain.NewTransientError("fetch", rawURL, fmt.Errorf("stream interrupted after %d bytes: %w", n, err))
		}
		if task.TotalBytes >= 0 && n != task.TotalBytes {
			return domain.NewTransientError("fetch", rawURL, fmt.Errorf("short transfer: got %d of %d bytes", n, task.TotalBytes))
		}
		return nil
	})
	return n, err
}

// ftpProbe はファイルの存在と先頭バイトを確認します
func (t *Transport) ftpProbe(ctx context.Context, u *url.URL, archive bool) (bool, error) {
	rawURL := u.Redacted()
	found := false
	err := t.withFTP(ctx, u, "probe", func(conn FTPConn) error {
		if _, err := conn.FileSize(u.Path); err != nil && isFTPNotFound(err) {
			return nil
		}

		r, err := conn.Retr(u.Path)
		if err != nil {
			if isFTPNotFound(err) {
				return nil
			}
			return classifyFTP("probe", rawURL, err)
		}
		// 途中で閉じるため転送中断の応答は無視します
		defer func() { _ = r.Close() }()

		head, err := io.ReadAll(io.LimitReader(r, sniffLen))
		if err != nil {
			return domain.NewTransientError("probe", rawURL, err)
		}
		if err := checkContent(head, archive); err != nil {
			t.logger.Debug("Probe rejected content", "url", rawURL, "error", err)
			return nil
		}
		found = true
		return nil
	})
	return found, err
}

// ftpList はディレクトリのファイル名一覧を返します
func (t *Transport) ftpList(ctx context.Context, u *url.URL) ([]string, error) {
	rawURL := u.Redacted()
	dir := u.Path
	if dir == "" {
		dir = "/"
	}

	var names []string
	err := t.withFTP(ctx, u, "list", func(conn FTPConn) error {
		entries, err := conn.NameList(dir)
		if err != nil {
			return classifyFTP("list", rawURL, err)
		}
		for _, e := range entries {
			name := path.Base(e)
			if name == "." || name == ".." || name == "/" {
				continue
			}
			names = append(names, name)
		}
		return nil
	})
	return names, err
}
