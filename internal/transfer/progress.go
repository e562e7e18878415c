package transfer

import (
	"io"
	"time"
)

// Progress is a snapshot of one transfer. Speed is bytes per second
// since the transfer started; ETA is zero until the speed is known.
type Progress struct {
	Transferred int64
	Total       int64
	Speed       float64
	ETA         time.Duration
}

// Percent returns completion in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}

	pct := float64(p.Transferred) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}

	return pct
}

// ProgressFunc receives progress snapshots. It may be called many times
// per second from the goroutine doing the transfer; consumers throttle
// their own output.
type ProgressFunc func(Progress)

// progressTracker turns raw byte counts into Progress snapshots.
type progressTracker struct {
	total   int64
	done    int64
	started time.Time
	now     func() time.Time
	fn      ProgressFunc
}

func newProgressTracker(total int64, fn ProgressFunc) *progressTracker {
	return &progressTracker{
		total:   total,
		started: time.Now(),
		now:     time.Now,
		fn:      fn,
	}
}

// set records an absolute byte count, as reported by chunk acks.
func (t *progressTracker) set(done int64) {
	t.done = done
	t.emit()
}

// add records n more bytes, as counted by a reader.
func (t *progressTracker) add(n int64) {
	t.done += n
	t.emit()
}

func (t *progressTracker) snapshot() Progress {
	p := Progress{Transferred: t.done, Total: t.total}

	elapsed := t.now().Sub(t.started).Seconds()
	if elapsed > 0 {
		p.Speed = float64(t.done) / elapsed
	}

	if p.Speed > 0 && t.total > t.done {
		p.ETA = time.Duration(float64(t.total-t.done) / p.Speed * float64(time.Second))
	}

	return p
}

func (t *progressTracker) emit() {
	if t == nil || t.fn == nil {
		return
	}

	t.fn(t.snapshot())
}

// countingReader reports every read to a progressTracker.
type countingReader struct {
	r       io.Reader
	tracker *progressTracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.add(int64(n))
	}

	return n, err
}
