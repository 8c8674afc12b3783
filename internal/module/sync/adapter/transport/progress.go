package transport

import (
	"io"
	"time"

	"github.com/jinford/dataset-sync/internal/module/sync/domain"
)

// progressWriter は書き込みバイト数を集計し、一定間隔で進捗を通知します
type progressWriter struct {
	w        io.Writer
	task     *domain.DownloadTask
	notify   domain.ProgressFunc
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newProgressWriter(w io.Writer, task *domain.DownloadTask, notify domain.ProgressFunc, interval time.Duration) *progressWriter {
	return &progressWriter{
		w:        w,
		task:     task,
		notify:   notify,
		interval: interval,
		now:      time.Now,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.task.BytesTransferred += int64(n)

	now := pw.now()
	if elapsed := now.Sub(pw.task.StartedAt).Seconds(); elapsed > 0 {
		pw.task.Rate = float64(pw.task.BytesTransferred) / elapsed
	}

	if pw.notify != nil && now.Sub(pw.last) >= pw.interval {
		pw.last = now
		pw.notify(pw.task)
	}
	return n, err
}

// flush は最終状態を通知します
func (pw *progressWriter) flush() {
	if pw.notify != nil {
		pw.notify(pw.task)
	}
}
