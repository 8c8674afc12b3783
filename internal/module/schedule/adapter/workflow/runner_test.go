package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dataset-sync/internal/module/schedule/adapter/workflow"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	return sh
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_Execute(t *testing.T) {
	t.Run("正常系: 出力をログファイルに保存する", func(t *testing.T) {
		// Setup
		sh := requireShell(t)
		logDir := t.TempDir()
		clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 23, 45, 0, 0, time.UTC))
		runner := workflow.NewRunner(sh,
			workflow.WithArgs("-c", "echo processed; echo warn >&2"),
			workflow.WithLogDir(logDir),
			workflow.WithClock(clock),
			workflow.WithLogger(quietLogger()),
		)

		// Execute
		result, err := runner.Execute(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "processed\n", result.Stdout)
		assert.Equal(t, "warn\n", result.Stderr)
		assert.Equal(t, filepath.Join(logDir, "workflow_output_20240601_234500.log"), result.LogFile)

		data, err := os.ReadFile(result.LogFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "processed")
		assert.Contains(t, string(data), "exit code 0")
	})

	t.Run("正常系: 作業ディレクトリと環境変数を渡す", func(t *testing.T) {
		sh := requireShell(t)
		dir := t.TempDir()
		runner := workflow.NewRunner(sh,
			workflow.WithArgs("-c", `printf "%s" "$WORKFLOW_NAME"; pwd`),
			workflow.WithWorkingDir(dir),
			workflow.WithEnv(map[string]string{"WORKFLOW_NAME": "loadguard"}),
			workflow.WithLogger(quietLogger()),
		)

		result, err := runner.Execute(context.Background())

		require.NoError(t, err)
		assert.Contains(t, result.Stdout, "loadguard")
		resolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Contains(t, result.Stdout, resolved)
	})

	t.Run("異常系: 非ゼロ終了は標準エラー付きのエラー", func(t *testing.T) {
		// Setup
		sh := requireShell(t)
		runner := workflow.NewRunner(sh,
			workflow.WithArgs("-c", "echo 'node failed' >&2; exit 3"),
			workflow.WithLogger(quietLogger()),
		)

		// Execute
		err := runner.Run(context.Background())

		// Assert
		var werr *workflow.Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, 3, werr.ExitCode)
		assert.Equal(t, "node failed", werr.Stderr)
		assert.Contains(t, err.Error(), "exited with code 3")
	})

	t.Run("異常系: キャンセル時はプロセスを終了する", func(t *testing.T) {
		sh := requireShell(t)
		runner := workflow.NewRunner(sh, workflow.WithArgs("-c", "exec sleep 10"), workflow.WithLogger(quietLogger()))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := runner.Run(ctx)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("異常系: 実行ファイル未設定", func(t *testing.T) {
		err := workflow.NewRunner("").Run(context.Background())
		assert.ErrorContains(t, err, "not configured")
	})
}
