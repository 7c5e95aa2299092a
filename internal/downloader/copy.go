package downloader

import (
	"context"
	"io"
	"time"

	"github.com/italolelis/resource_fetcher/internal/downloader/progress"
)

// stage is the terminal state of a pipeline step. Cancellation is a result,
// not an error: each step returns stageCanceled and the caller unwinds.
type stage int

const (
	stageComplete stage = iota
	stageCanceled
)

// copyStream moves src into dst chunk by chunk. The cancellation flag is checked
// before every read, so a canceled request stops within one read. A short copy
// caused by cancellation is reported as stageCanceled, not as an error.
func copyStream(ctx context.Context, req *Request, dst io.Writer, src io.Reader, total int64, chunkSize int) (int64, stage, error) {
	buf := make([]byte, chunkSize)
	milestones := progress.NewMilestones(total, progress.DefaultSteps, req.Progress)

	var written int64

	for {
		if canceled(ctx, req) {
			return written, stageCanceled, nil
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, stageComplete, werr
			}

			written += int64(n)
			milestones.Update(written)
		}

		if rerr == io.EOF {
			return written, stageComplete, nil
		}

		if rerr != nil {
			return written, stageComplete, rerr
		}
	}
}

// watchdog cancels an attempt with cause if it is not stopped within timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func startWatchdog(timeout time.Duration, cancel context.CancelCauseFunc, cause error) *watchdog {
	return &watchdog{
		timer:   time.AfterFunc(timeout, func() { cancel(cause) }),
		timeout: timeout,
	}
}

// newIdleWatchdog returns a watchdog that stays disarmed until reset.
func newIdleWatchdog(timeout time.Duration, cancel context.CancelCauseFunc, cause error) *watchdog {
	w := startWatchdog(timeout, cancel, cause)
	w.stop()

	return w
}

func (w *watchdog) reset() {
	w.timer.Reset(w.timeout)
}

func (w *watchdog) stop() {
	w.timer.Stop()
}

// timeoutReader bounds every single Read by the watchdog's timeout.
type timeoutReader struct {
	r  io.Reader
	wd *watchdog
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	t.wd.reset()
	defer t.wd.stop()

	return t.r.Read(p)
}
