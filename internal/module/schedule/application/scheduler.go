package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
	"github.com/jinford/dataset-sync/internal/platform/logger"
)

// DefaultRetryDelay は失敗したジョブを再実行するまでの待機時間
const DefaultRetryDelay = 5 * time.Minute

// ErrJobRunning は同じジョブが実行中の場合のエラー
var ErrJobRunning = errors.New("job is already running")

// Config はスケジューラの設定です
type Config struct {
	Location   *time.Location
	RetryDelay time.Duration
}

// Job はスケジュール実行するジョブの定義です
type Job struct {
	ID string
	// Time は毎日の実行時刻（HH:MM、Config.Location 基準）
	Time string
	Run  func(ctx context.Context) error

	// RetryOnFailure が true の場合、失敗時に RetryDelay 後の単発再実行を予約する
	RetryOnFailure bool
	MaxRetries     int
}

// EntryInfo はジョブの次回実行予定です
type EntryInfo struct {
	ID           string
	Spec         string
	Next         time.Time
	Running      bool
	RetryCount   int
	RetryPending bool
}

type jobState struct {
	job      Job
	spec     string
	schedule cron.Schedule
	entryID  cron.EntryID

	// running は同一ジョブの重複実行を防ぐ
	running atomic.Bool

	mu         sync.Mutex
	retryCount int
	retryTimer clockwork.Timer
	// retryGen は予約した再実行を識別する
	retryGen   uint64
}

func (st *jobState) tryAcquire() bool {
	return st.running.CompareAndSwap(false, true)
}

func (st *jobState) release() {
	st.running.Store(false)
}

// Scheduler はcron式によるジョブ実行と失敗時の再実行を管理します
type Scheduler struct {
	cfg   Config
	cron  *cron.Cron
	clock clockwork.Clock
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*jobState
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// Option は Scheduler 構築時のオプション
type Option func(*Scheduler)

// WithClock は再実行タイマーに使う時計を設定する
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New は新しいSchedulerを作成します
func New(cfg Config, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	cronLog := cronLogger{log: log.With("component", "cron")}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg: cfg,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		clock:  clockwork.NewRealClock(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseDailyTime は "HH:MM" を毎日実行のcron式に変換します
func ParseDailyTime(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q: expected HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 || len(parts[1]) != 2 {
		return "", fmt.Errorf("invalid minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// AddJob はジョブを登録します
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function is required", job.ID)
	}
	spec, err := ParseDailyTime(job.Time)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s is already registered", job.ID)
	}

	st := &jobState{job: job, spec: spec, schedule: schedule}
	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(st, true, 0)
	})
	if err != nil {
		return fmt.Errorf("failed to register cron job %s: %w", job.ID, err)
	}
	st.entryID = entryID
	s.jobs[job.ID] = st

	s.log.Info("Scheduled job", "job", job.ID, "time", job.Time, "spec", spec, "timezone", s.cfg.Location.String())
	return nil
}

// Start はスケジューラを起動します
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("Scheduler started", "jobs", len(s.jobs))
}

// Stop はcronエントリ・予約済みの再実行・実行中ジョブのコンテキストを取り消し、終了を待ちます
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, st := range s.jobs {
		st.mu.Lock()
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()

	s.cancel()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}

// Running はスケジューラが起動済みで停止していない場合に true を返します
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Scheduler) lookup(id string) (*jobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", id)
	}
	return st, nil
}

// TriggerNow はジョブを非同期で1回実行します
func (s *Scheduler) TriggerNow(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	s.log.Info("Job triggered", "job", id)
	go s.fire(st, true, 0)
	return nil
}

// RunNow はジョブを呼び出し元で実行し、終了まで待ちます
// RetryOnFailure のジョブは失敗すると RetryDelay 待機して最大 MaxRetries 回まで再実行し、最後のエラーを返します
// 予約済みの非同期再実行には影響しません
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("job %s: scheduler is stopped", id)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !st.tryAcquire() {
		return fmt.Errorf("job %s: %w", id, ErrJobRunning)
	}
	defer st.release()

	log := s.log.With("job", id)
	for attempt := 1; ; attempt++ {
		err := s.execute(ctx, st, attempt, log)
		if err == nil {
			return nil
		}
		if !st.job.RetryOnFailure || ctx.Err() != nil {
			return err
		}
		if attempt > st.job.MaxRetries {
			log.Log(context.Background(), logger.LevelCritical, "Maximum job retries reached, no further retries will be scheduled",
				"retries", attempt-1,
				"max_retries", st.job.MaxRetries,
			)
			return err
		}

		log.Warn("Job retry scheduled",
			"retry", attempt,
			"max_retries", st.job.MaxRetries,
			"at", s.clock.Now().Add(s.cfg.RetryDelay).In(s.cfg.Location).Format("2006-01-02 15:04:05 MST"),
		)
		select {
		case <-ctx.Done():
			return err
		case <-s.clock.After(s.cfg.RetryDelay):
		}
	}
}

// Location はジョブ時刻の基準タイムゾーンを返します
func (s *Scheduler) Location() *time.Location {
	return s.cfg.Location
}

// Entries はジョブの次回実行予定をID順に返します
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().In(s.cfg.Location)
	out := make([]EntryInfo, 0, len(s.jobs))
	for id, st := range s.jobs {
		next := s.cron.Entry(st.entryID).Next
		if next.IsZero() {
			// 未起動のcronは次回時刻を持たないため式から求める
			next = st.schedule.Next(now)
		}
		st.mu.Lock()
		out = append(out, EntryInfo{
			ID:           id,
			Spec:         st.spec,
			Next:         next,
			Running:      st.running.Load(),
			RetryCount:   st.retryCount,
			RetryPending: st.retryTimer != nil,
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Trigger は指定ジョブを起動する DownstreamTrigger を返します
func (s *Scheduler) Trigger(id string) *JobTrigger {
	return &JobTrigger{scheduler: s, jobID: id}
}

// JobTrigger は更新検出時にジョブを起動します
// スケジューラの起動中は非同期に起動し、未起動（単発コマンド）の場合は再試行を含めて終了まで待ちます
type JobTrigger struct {
	scheduler *Scheduler
	jobID     string
}

var _ domain.DownstreamTrigger = (*JobTrigger)(nil)

func (t *JobTrigger) TriggerDownstream(ctx context.Context) error {
	if t.scheduler.Running() {
		return t.scheduler.TriggerNow(t.jobID)
	}
	return t.scheduler.RunNow(ctx, t.jobID)
}

// fire はジョブを1回実行します
// fresh が true（cron発火・手動起動）の場合は再試行カウンタをリセットし、予約済みの再実行を取り消します
// 再実行による発火では gen に予約時の世代を渡します
func (s *Scheduler) fire(st *jobState, fresh bool, gen uint64) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	id := st.job.ID
	log := s.log.With("job", id)

	if !st.tryAcquire() {
		if !fresh {
			st.mu.Lock()
			if st.retryGen == gen {
				st.retryTimer = nil
			}
			st.mu.Unlock()
		}
		log.Warn("Job is still running, skipping this run", "retry", !fresh)
		return
	}
	defer st.release()

	st.mu.Lock()
	if fresh {
		st.retryCount = 0
		if st.retryTimer != nil {
			st.retryTimer.Stop()
		}
	}
	st.retryTimer = nil
	attempt := st.retryCount + 1
	st.mu.Unlock()

	if err := s.execute(s.ctx, st, attempt, log); err == nil {
		st.mu.Lock()
		st.retryCount = 0
		st.mu.Unlock()
		return
	}

	if !st.job.RetryOnFailure || s.ctx.Err() != nil {
		return
	}
	s.scheduleRetry(st, log)
}

// execute はジョブを1回実行します
// ジョブ内の panic は回復し、失敗として扱います
func (s *Scheduler) execute(ctx context.Context, st *jobState, attempt int, log *slog.Logger) (err error) {
	log.Info("Job started", "attempt", attempt)
	start := s.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := s.clock.Since(start).Round(time.Millisecond)
		if err != nil {
			failure := &domain.SchedulingFailure{JobID: st.job.ID, Attempt: attempt, Err: err}
			log.Error("Job failed", "error", failure, "elapsed", elapsed)
			err = failure
			return
		}
		log.Info("Job finished", "attempt", attempt, "elapsed", elapsed)
	}()

	return st.job.Run(ctx)
}

// scheduleRetry は RetryDelay 後の単発再実行を予約します
// 予約済みの再実行は置き換えます
func (s *Scheduler) scheduleRetry(st *jobState, log *slog.Logger) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.retryCount >= st.job.MaxRetries {
		log.Log(context.Background(), logger.LevelCritical, "Maximum job retries reached, no further retries will be scheduled",
			"retries", st.retryCount,
			"max_retries", st.job.MaxRetries,
		)
		return
	}

	st.retryCount++
	st.retryGen++
	gen := st.retryGen
	if st.retryTimer != nil {
		st.retryTimer.Stop()
	}
	st.retryTimer = s.clock.AfterFunc(s.cfg.RetryDelay, func() {
		s.fire(st, false, gen)
	})

	log.Warn("Job retry scheduled",
		"retry", st.retryCount,
		"max_retries", st.job.MaxRetries,
		"at", s.clock.Now().Add(s.cfg.RetryDelay).In(s.cfg.Location).Format("2006-01-02 15:04:05 MST"),
	)
}

// cronLogger は cron.Logger を slog で実装します
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
