package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// onlyReader は io.CopyBuffer にチャンクバッファを使わせるため WriterTo/ReaderFrom を隠します
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }

func (t *Transport) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, domain.NewPermanentError(strings.ToLower(method), rawURL, err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	return req, nil
}

func (t *Transport) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, domain.NewTransientError(op, req.URL.String(), err)
	}
	return resp, nil
}

// httpFetch はHTTPレスポンスボディをチャンク単位で書き込みます
func (t *Transport) httpFetch(ctx context.Context, task *domain.DownloadTask, w io.Writer) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodGet, task.RemoteTarget)
	if err != nil {
		return 0, err
	}

	resp, err := t.do(req, "fetch")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, domain.NewStatusError("fetch", task.RemoteTarget, resp.StatusCode)
	}
	task.TotalBytes = resp.ContentLength

	body, err := sniffReader("fetch", task.RemoteTarget, resp.Body, task.ExpectArchive)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, t.chunkSize)
	n, err := io.CopyBuffer(onlyWriter{w}, onlyReader{body}, buf)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, domain.NewTransientError("fetch", task.RemoteTarget, fmt.Errorf("stream interrupted after %d bytes: %w", n, err))
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, domain.NewTransientError("fetch", task.RemoteTarget,
			fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength))
	}
	return n, nil
}

// httpProbe は先頭バイトのみを取得してファイルの存在を確認します
// 404/410/403 は「存在しない」として扱います
func (t *Transport) httpProbe(ctx context.Context, rawURL string, archive bool) (bool, error) {
	req, err := t.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return false, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffLen-1))

	resp, err := t.do(req, "probe")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return false, nil
	default:
		return false, domain.NewStatusError("probe", rawURL, resp.StatusCode)
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffLen))
	if err != nil {
		return false, domain.NewTransientError("probe", rawURL, err)
	}
	if err := checkContent(head, archive); err != nil {
		t.logger.Debug("Probe rejected content", "url", rawURL, "error", err)
		return false, nil
	}
	return true, nil
}

// httpList はHTMLのディレクトリ一覧からファイル名を抽出します
func (t *Transport) httpList(ctx context.Context, dirURL string) ([]string, error) {
	req, err := t.newRequest(ctx, http.MethodGet, dirURL)
	if err != nil {
		return nil, err
	}

	resp, err := t.do(req, "list")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewStatusError("list", dirURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError("list", dirURL, fmt.Errorf("failed to parse listing: %w", err))
	}

	seen := make(map[string]struct{})
	var names []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		name := listingName(href)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	})
	return names, nil
}

// listingName はリンクからファイル名を取り出します
// 親ディレクトリ、サブディレクトリ、ソート用クエリのリンクは除外します
func listingName(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return ""
	}
	if strings.HasSuffix(href, "/") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}
