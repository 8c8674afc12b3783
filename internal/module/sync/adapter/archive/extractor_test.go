package archive_test

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dataset-sync/internal/module/sync/adapter/archive"
	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

func writeZip(t *testing.T, dir, name string, members map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for memberName, content := range members {
		w, err := zw.Create(memberName)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}

func newExtractor() *archive.Extractor {
	return archive.NewExtractor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExtractor_Extract(t *testing.T) {
	t.Run("正常系: 大文字小文字を無視して展開する", func(t *testing.T) {
		// Setup
		dir := t.TempDir()
		zipPath := writeZip(t, dir, "Crash_2024Jun.zip", map[string]string{
			"2024JUN_CRASH.TXT": "crash rows\n",
			"readme.txt":        "ignore",
		})
		extractDir := filepath.Join(dir, domain.ExtractDirName)

		// Execute
		ok, err := newExtractor().Extract(zipPath, "2024Jun_Crash.txt", extractDir)

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := os.ReadFile(filepath.Join(extractDir, "2024Jun_Crash.txt"))
		require.NoError(t, err)
		assert.Equal(t, "crash rows\n", string(got))
	})

	t.Run("正常系: 2回展開しても同一内容で重複ファイルを作らない", func(t *testing.T) {
		// Setup
		dir := t.TempDir()
		zipPath := writeZip(t, dir, "SMS_AB_PassProperty_2024Jun.zip", map[string]string{
			"SMS_AB_PassProperty_2024Jun.txt": "sms data\n",
		})
		extractDir := filepath.Join(dir, domain.ExtractDirName)
		extractor := newExtractor()

		// Execute
		ok1, err1 := extractor.Extract(zipPath, "SMS_AB_PassProperty_2024Jun.txt", extractDir)
		first, err := os.ReadFile(filepath.Join(extractDir, "SMS_AB_PassProperty_2024Jun.txt"))
		require.NoError(t, err)
		ok2, err2 := extractor.Extract(zipPath, "SMS_AB_PassProperty_2024Jun.txt", extractDir)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.True(t, ok1)
		assert.True(t, ok2)

		second, err := os.ReadFile(filepath.Join(extractDir, "SMS_AB_PassProperty_2024Jun.txt"))
		require.NoError(t, err)
		assert.Equal(t, first, second)

		entries, err := os.ReadDir(extractDir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "SMS_AB_PassProperty_2024Jun.txt", entries[0].Name())
	})

	t.Run("正常系: 既存ファイルは新しい内容で置き換えられる", func(t *testing.T) {
		// Setup
		dir := t.TempDir()
		extractDir := filepath.Join(dir, domain.ExtractDirName)
		require.NoError(t, os.MkdirAll(extractDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(extractDir, "2024Jul_Crash.txt"), []byte("old"), 0o644))
		zipPath := writeZip(t, dir, "Crash_2024Jul.zip", map[string]string{"2024Jul_Crash.txt": "new"})

		// Execute
		ok, err := newExtractor().Extract(zipPath, "2024Jul_Crash.txt", extractDir)

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := os.ReadFile(filepath.Join(extractDir, "2024Jul_Crash.txt"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
	})

	t.Run("異常系: メンバーが存在しない場合は false", func(t *testing.T) {
		// Setup
		dir := t.TempDir()
		zipPath := writeZip(t, dir, "Crash_2024Jun.zip", map[string]string{"other.txt": "x"})
		extractDir := filepath.Join(dir, domain.ExtractDirName)

		// Execute
		ok, err := newExtractor().Extract(zipPath, "2024Jun_Crash.txt", extractDir)

		// Assert
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = os.Stat(filepath.Join(extractDir, "2024Jun_Crash.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("異常系: 壊れたアーカイブは IntegrityError", func(t *testing.T) {
		// Setup
		dir := t.TempDir()
		zipPath := filepath.Join(dir, "broken.zip")
		require.NoError(t, os.WriteFile(zipPath, []byte("<html>not a zip</html>"), 0o644))

		// Execute
		ok, err := newExtractor().Extract(zipPath, "2024Jun_Crash.txt", filepath.Join(dir, "out"))

		// Assert
		assert.False(t, ok)
		var ie *domain.IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, zipPath, ie.Path)
	})
}
