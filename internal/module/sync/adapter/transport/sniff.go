package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// sniffLen はコンテンツ判定に読み込む先頭バイト数
const sniffLen = 3072

// errUnexpectedContent はコンテンツ種別が期待と異なる場合のエラー
var errUnexpectedContent = errors.New("unexpected content type")

// detect は先頭バイトからMIMEタイプを判定します
func detect(head []byte) *mimetype.MIME {
	return mimetype.Detect(head)
}

// isZip は判定結果がZIP（またはZIPベースの形式）かどうかを返します
func isZip(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// checkContent は先頭バイトが期待するコンテンツかどうかを検証します
// アーカイブを期待する場合はZIPであること、それ以外はHTMLエラーページでないことを確認します
func checkContent(head []byte, archive bool) error {
	mt := detect(head)
	if archive {
		if !isZip(mt) {
			return fmt.Errorf("%w: expected zip, got %s", errUnexpectedContent, mt.String())
		}
		return nil
	}
	if mt.Is("text/html") {
		return fmt.Errorf("%w: got %s", errUnexpectedContent, mt.String())
	}
	return nil
}

// sniffReader は先頭バイトを検証したうえで、読み込み位置を失わないリーダーを返します
func sniffReader(op, url string, r io.Reader, archive bool) (io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, domain.NewTransientError(op, url, fmt.Errorf("failed to read content header: %w", err))
	}
	if err := checkContent(head, archive); err != nil {
		return nil, domain.NewPermanentError(op, url, err)
	}
	return br, nil
}
