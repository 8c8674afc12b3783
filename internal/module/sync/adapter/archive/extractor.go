package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// copyBufferSize は展開時のコピーバッファサイズ
const copyBufferSize = 1024 * 1024

// Extractor はZIPアーカイブから既知の名前のメンバーを1つ展開します
type Extractor struct {
	logger *slog.Logger
}

var _ domain.ArchiveExtractor = (*Extractor)(nil)

// NewExtractor は新しい Extractor を作成します
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract はアーカイブ内の member（大文字小文字を区別しない）を extractDir に展開します
// メンバーが見つからない場合は false を返します
// 既存ファイルは一時ファイルへの展開完了後に削除・リネームで置き換えます
func (e *Extractor) Extract(archivePath, member, extractDir string) (bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return false, &domain.IntegrityError{Path: archivePath, Reason: "cannot open archive", Err: err}
	}
	defer zr.Close()

	entry := findMember(zr.File, member)
	if entry == nil {
		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		e.logger.Warn("Expected member not found in archive",
			"archive", archivePath,
			"member", member,
			"contents", names,
		)
		return false, nil
	}

	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create extract directory: %w", err)
	}

	finalPath := filepath.Join(extractDir, member)
	if err := extractTo(entry, extractDir, finalPath); err != nil {
		return false, err
	}

	e.logger.Info("Extracted archive member",
		"archive", filepath.Base(archivePath),
		"member", entry.Name,
		"path", finalPath,
		"bytes", entry.UncompressedSize64,
	)
	return true, nil
}

// findMember はベース名の大文字小文字を無視してメンバーを探します
func findMember(files []*zip.File, member string) *zip.File {
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.EqualFold(path.Base(f.Name), member) {
			return f
		}
	}
	return nil
}

func extractTo(entry *zip.File, extractDir, finalPath string) (err error) {
	rc, err := entry.Open()
	if err != nil {
		return &domain.IntegrityError{Path: entry.Name, Reason: "cannot open member", Err: err}
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(extractDir, ".extract-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	buf := make([]byte, copyBufferSize)
	if _, err = io.CopyBuffer(tmp, rc, buf); err != nil {
		return &domain.IntegrityError{Path: entry.Name, Reason: "corrupt member", Err: err}
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove previous extraction: %w", err)
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to move extracted file: %w", err)
	}
	return nil
}
