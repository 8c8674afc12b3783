package application_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dataset-sync/internal/module/schedule/application"
	"github.com/jinford/dataset-sync/internal/platform/logger"
)

// recordingHandler はテスト用にログレコードを保持する slog.Handler です
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func entry(t *testing.T, s *application.Scheduler, id string) application.EntryInfo {
	t.Helper()
	for _, e := range s.Entries() {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entry %s not found", id)
	return application.EntryInfo{}
}

func TestParseDailyTime(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "22:00", want: "0 22 * * *"},
		{input: "23:45", want: "45 23 * * *"},
		{input: "07:05", want: "5 7 * * *"},
		{input: "24:00", wantErr: true},
		{input: "12:60", wantErr: true},
		{input: "12:5", wantErr: true},
		{input: "noon", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := application.ParseDailyTime(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScheduler_AddJob(t *testing.T) {
	t.Run("異常系: 不正な時刻は登録できない", func(t *testing.T) {
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))

		err := s.AddJob(application.Job{ID: "workflow", Time: "25:00", Run: func(ctx context.Context) error { return nil }})

		assert.ErrorContains(t, err, "invalid hour")
	})

	t.Run("異常系: 同じIDは登録できない", func(t *testing.T) {
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))
		job := application.Job{ID: "sync", Time: "22:00", Run: func(ctx context.Context) error { return nil }}

		require.NoError(t, s.AddJob(job))
		assert.Error(t, s.AddJob(job))
	})

	t.Run("正常系: 次回実行予定はタイムゾーンを反映する", func(t *testing.T) {
		// Setup
		loc, err := time.LoadLocation("America/Los_Angeles")
		require.NoError(t, err)
		s := application.New(application.Config{Location: loc}, slog.New(&recordingHandler{}))
		require.NoError(t, s.AddJob(application.Job{ID: "sync", Time: "22:00", Run: func(ctx context.Context) error { return nil }}))

		// Execute
		s.Start()
		t.Cleanup(func() { _ = s.Stop(context.Background()) })
		next := entry(t, s, "sync").Next

		// Assert
		require.False(t, next.IsZero())
		assert.Equal(t, 22, next.In(loc).Hour())
		assert.Equal(t, 0, next.In(loc).Minute())
	})
}

func TestScheduler_Entries(t *testing.T) {
	t.Run("正常系: 未起動でも式から次回実行予定を求める", func(t *testing.T) {
		// Setup
		loc, err := time.LoadLocation("America/Los_Angeles")
		require.NoError(t, err)
		clock := clockwork.NewFakeClockAt(time.Date(2024, time.June, 2, 7, 0, 0, 0, time.UTC))
		s := application.New(application.Config{Location: loc}, slog.New(&recordingHandler{}), application.WithClock(clock))
		require.NoError(t, s.AddJob(application.Job{ID: "workflow", Time: "23:45", Run: func(ctx context.Context) error { return nil }}))

		// Execute
		next := entry(t, s, "workflow").Next

		// Assert
		assert.True(t, next.Equal(time.Date(2024, time.June, 2, 6, 45, 0, 0, time.UTC).AddDate(0, 0, 1)))
		assert.Equal(t, "2024-06-02 23:45", next.In(loc).Format("2006-01-02 15:04"))
		assert.False(t, s.Running())
	})
}

func TestScheduler_RetryOnFailure(t *testing.T) {
	// Setup
	clock := clockwork.NewFakeClock()
	handler := &recordingHandler{}
	s := application.New(application.Config{RetryDelay: 5 * time.Minute}, slog.New(handler), application.WithClock(clock))

	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:             "workflow",
		Time:           "23:45",
		RetryOnFailure: true,
		MaxRetries:     2,
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("exit status 1")
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	// Execute
	require.NoError(t, s.TriggerNow("workflow"))
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return calls.Load() == 1 && e.RetryPending && !e.Running
	}, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return calls.Load() == 2 && e.RetryPending && !e.Running
	}, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return calls.Load() == 3 && handler.count(logger.LevelCritical) == 1
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Hour)

	// Assert
	e := entry(t, s, "workflow")
	assert.False(t, e.RetryPending)
	assert.Equal(t, 2, e.RetryCount)
	assert.Never(t, func() bool { return calls.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 3, handler.count(slog.LevelError))
}

func TestScheduler_FreshRunResetsRetries(t *testing.T) {
	// Setup
	clock := clockwork.NewFakeClock()
	s := application.New(application.Config{RetryDelay: time.Minute}, slog.New(&recordingHandler{}), application.WithClock(clock))

	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:             "workflow",
		Time:           "23:45",
		RetryOnFailure: true,
		MaxRetries:     1,
		Run: func(ctx context.Context) error {
			calls.Add(1)
			if fail.Load() {
				return errors.New("failed")
			}
			return nil
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.TriggerNow("workflow"))
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return calls.Load() == 1 && e.RetryPending && !e.Running
	}, time.Second, 5*time.Millisecond)

	// Execute
	fail.Store(false)
	require.NoError(t, s.TriggerNow("workflow"))

	// Assert
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return calls.Load() == 2 && !e.RetryPending && e.RetryCount == 0
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	// Setup
	s := application.New(application.Config{}, slog.New(&recordingHandler{}))
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:   "sync",
		Time: "22:00",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			<-release
			return nil
		},
	}))

	// Execute
	require.NoError(t, s.TriggerNow("sync"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.TriggerNow("sync"))
	time.Sleep(20 * time.Millisecond)
	close(release)

	// Assert
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_Stop(t *testing.T) {
	t.Run("正常系: 実行中ジョブのコンテキストを取り消す", func(t *testing.T) {
		// Setup
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))
		started := make(chan struct{})
		var cancelled atomic.Bool
		require.NoError(t, s.AddJob(application.Job{
			ID:   "sync",
			Time: "22:00",
			Run: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				cancelled.Store(true)
				return ctx.Err()
			},
		}))
		s.Start()
		require.NoError(t, s.TriggerNow("sync"))
		<-started

		// Execute
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := s.Stop(ctx)

		// Assert
		require.NoError(t, err)
		assert.True(t, cancelled.Load())
	})

	t.Run("異常系: 未登録のジョブは起動できない", func(t *testing.T) {
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))
		assert.Error(t, s.TriggerNow("missing"))
		assert.Error(t, s.Trigger("missing").TriggerDownstream(context.Background()))
	})
}

func TestScheduler_StopCancelsPendingRetry(t *testing.T) {
	// Setup
	clock := clockwork.NewFakeClock()
	s := application.New(application.Config{RetryDelay: 5 * time.Minute}, slog.New(&recordingHandler{}), application.WithClock(clock))
	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:             "workflow",
		Time:           "23:45",
		RetryOnFailure: true,
		MaxRetries:     3,
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("exit status 1")
		},
	}))
	require.NoError(t, s.TriggerNow("workflow"))
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && entry(t, s, "workflow").RetryPending
	}, time.Second, 5*time.Millisecond)

	// Execute
	require.NoError(t, s.Stop(context.Background()))
	clock.Advance(5 * time.Minute)

	// Assert
	assert.False(t, entry(t, s, "workflow").RetryPending)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestScheduler_RecoversPanickingJob(t *testing.T) {
	// Setup
	clock := clockwork.NewFakeClock()
	handler := &recordingHandler{}
	s := application.New(application.Config{RetryDelay: time.Minute}, slog.New(handler), application.WithClock(clock))
	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:             "workflow",
		Time:           "23:45",
		RetryOnFailure: true,
		MaxRetries:     1,
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				panic("nil map write")
			}
			return nil
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	// Execute
	require.NoError(t, s.TriggerNow("workflow"))

	// Assert
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return e.RetryPending && e.RetryCount == 1 && !e.Running
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, handler.count(slog.LevelError))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return calls.Load() == 2 && !e.RetryPending && e.RetryCount == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_RetryWhileRunning(t *testing.T) {
	// Setup
	clock := clockwork.NewFakeClock()
	s := application.New(application.Config{RetryDelay: time.Minute}, slog.New(&recordingHandler{}), application.WithClock(clock))
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.AddJob(application.Job{
		ID:             "workflow",
		Time:           "23:45",
		RetryOnFailure: true,
		MaxRetries:     2,
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("exit status 1")
			}
			started <- struct{}{}
			<-release
			return nil
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.TriggerNow("workflow"))
	require.Eventually(t, func() bool {
		e := entry(t, s, "workflow")
		return e.RetryPending && !e.Running
	}, time.Second, 5*time.Millisecond)

	runDone := make(chan error, 1)
	go func() { runDone <- s.RunNow(context.Background(), "workflow") }()
	<-started
	assert.ErrorIs(t, s.RunNow(context.Background(), "workflow"), application.ErrJobRunning)

	// Execute
	clock.Advance(time.Minute)

	// Assert
	require.Eventually(t, func() bool {
		return !entry(t, s, "workflow").RetryPending
	}, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-runDone)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_RunNow(t *testing.T) {
	t.Run("正常系: 失敗時は待機して再実行し、上限で最後のエラーを返す", func(t *testing.T) {
		// Setup
		clock := clockwork.NewFakeClock()
		handler := &recordingHandler{}
		s := application.New(application.Config{RetryDelay: 5 * time.Minute}, slog.New(handler), application.WithClock(clock))
		var calls atomic.Int32
		require.NoError(t, s.AddJob(application.Job{
			ID:             "workflow",
			Time:           "23:45",
			RetryOnFailure: true,
			MaxRetries:     2,
			Run: func(ctx context.Context) error {
				calls.Add(1)
				return errors.New("exit status 1")
			},
		}))
		done := make(chan error, 1)

		// Execute
		go func() { done <- s.RunNow(context.Background(), "workflow") }()
		for i := 1; i <= 2; i++ {
			clock.BlockUntil(1)
			clock.Advance(5 * time.Minute)
		}

		// Assert
		err := <-done
		assert.ErrorContains(t, err, "exit status 1")
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 1, handler.count(logger.LevelCritical))
		assert.False(t, entry(t, s, "workflow").RetryPending)
	})

	t.Run("正常系: 成功すれば再実行しない", func(t *testing.T) {
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))
		var calls atomic.Int32
		require.NoError(t, s.AddJob(application.Job{
			ID:             "workflow",
			Time:           "23:45",
			RetryOnFailure: true,
			MaxRetries:     2,
			Run: func(ctx context.Context) error {
				calls.Add(1)
				return nil
			},
		}))

		require.NoError(t, s.RunNow(context.Background(), "workflow"))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("異常系: 停止後は実行しない", func(t *testing.T) {
		s := application.New(application.Config{}, slog.New(&recordingHandler{}))
		require.NoError(t, s.AddJob(application.Job{ID: "sync", Time: "22:00", Run: func(ctx context.Context) error { return nil }}))
		require.NoError(t, s.Stop(context.Background()))

		assert.ErrorContains(t, s.RunNow(context.Background(), "sync"), "stopped")
	})
}
