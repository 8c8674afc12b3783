package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// maxStderrInError はエラーメッセージに含める標準エラー出力の最大長
	maxStderrInError = 2048
	// waitDelay はキャンセル後に出力パイプの終了を待つ上限
	waitDelay = 10 * time.Second
)

// Result は1回の実行結果です
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	LogFile  string
}

// Error はワークフローの非ゼロ終了を表します
type Error struct {
	Program  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("workflow %s exited with code %d", filepath.Base(e.Program), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Runner は外部ワークフローをプロセスとして実行します
type Runner struct {
	program string
	args    []string
	dir     string
	env     map[string]string
	logDir  string
	clock   clockwork.Clock
	logger  *slog.Logger
}

// Option は Runner 構築時のオプション
type Option func(*Runner)

// WithArgs は実行引数を設定する
func WithArgs(args ...string) Option {
	return func(r *Runner) {
		r.args = args
	}
}

// WithWorkingDir は作業ディレクトリを設定する
func WithWorkingDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithEnv は追加の環境変数を設定する
func WithEnv(env map[string]string) Option {
	return func(r *Runner) {
		r.env = env
	}
}

// WithLogDir は実行ごとの出力ログの保存先を設定する
func WithLogDir(dir string) Option {
	return func(r *Runner) {
		r.logDir = dir
	}
}

// WithClock はログファイル名に使う時計を設定する
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner は新しいRunnerを作成します
func NewRunner(program string, opts ...Option) *Runner {
	r := &Runner{
		program: program,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run はワークフローを実行し、非ゼロ終了の場合はエラーを返します
func (r *Runner) Run(ctx context.Context) error {
	_, err := r.Execute(ctx)
	return err
}

// Execute はワークフローを実行し、結果を返します
// コンテキストがキャンセルされた場合はプロセスを終了させます
func (r *Runner) Execute(ctx context.Context) (*Result, error) {
	if r.program == "" {
		return nil, fmt.Errorf("workflow executable is not configured")
	}

	cmd := exec.CommandContext(ctx, r.program, r.args...)
	cmd.WaitDelay = waitDelay
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	if len(r.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range r.env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	var stdoutW, stderrW io.Writer = &stdout, &stderr

	start := r.clock.Now()
	result := &Result{}

	if r.logDir != "" {
		logFile, err := r.openLogFile(start)
		if err != nil {
			return nil, err
		}
		defer logFile.Close()
		result.LogFile = logFile.Name()
		fmt.Fprintf(logFile, "Workflow started at: %s\n", start.Format(time.RFC3339))
		stdoutW = io.MultiWriter(&stdout, logFile)
		stderrW = io.MultiWriter(&stderr, logFile)
		defer func() {
			fmt.Fprintf(logFile, "Workflow finished at: %s (exit code %d)\n", r.clock.Now().Format(time.RFC3339), result.ExitCode)
		}()
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	r.logger.Info("Starting workflow", "program", r.program, "args", r.args, "dir", r.dir)
	err := cmd.Run()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = r.clock.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			result.ExitCode = -1
			return result, fmt.Errorf("workflow cancelled: %w", ctx.Err())
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			result.ExitCode = -1
			return result, fmt.Errorf("failed to start workflow: %w", err)
		}
		r.logger.Error("Workflow failed",
			"exit_code", result.ExitCode,
			"elapsed", result.Duration.Round(time.Millisecond),
			"log_file", result.LogFile,
		)
		return result, &Error{
			Program:  r.program,
			ExitCode: result.ExitCode,
			Stderr:   truncate(strings.TrimSpace(result.Stderr), maxStderrInError),
			Err:      err,
		}
	}

	r.logger.Info("Workflow finished",
		"elapsed", result.Duration.Round(time.Millisecond),
		"log_file", result.LogFile,
	)
	return result, nil
}

func (r *Runner) openLogFile(start time.Time) (*os.File, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow log directory: %w", err)
	}
	name := fmt.Sprintf("workflow_output_%s.log", start.Format("20060102_150405"))
	f, err := os.Create(filepath.Join(r.logDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow log file: %w", err)
	}
	return f, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
