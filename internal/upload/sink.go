package upload

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// progressLogInterval is the minimum gap between progress lines for
// one path.
const progressLogInterval = time.Second

// ProgressSink observes transfers. Implementations must not block for
// long; they run on the transfer's goroutine.
type ProgressSink interface {
	Started(rel string, size int64)
	Progress(rel string, percent, bytesPerSec float64, eta time.Duration)
}

// StatusSink receives one-line human readable outcomes.
type StatusSink interface {
	Status(msg string)
}

// LogSink writes progress and status to a logger. Progress is logged at
// debug level, at most once per progressLogInterval per path.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewLogSink returns a sink that writes to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger, last: make(map[string]time.Time), now: time.Now}
}

// Started implements ProgressSink.
func (s *LogSink) Started(rel string, size int64) {
	s.mu.Lock()
	delete(s.last, rel)
	s.mu.Unlock()

	s.logger.Info("uploading",
		slog.String("path", rel),
		slog.String("size", humanize.IBytes(uint64(max(size, 0)))),
	)
}

// Progress implements ProgressSink.
func (s *LogSink) Progress(rel string, percent, bytesPerSec float64, eta time.Duration) {
	now := s.now()
	finished := percent >= 100

	s.mu.Lock()
	last, seen := s.last[rel]

	if seen && !finished && now.Sub(last) < progressLogInterval {
		s.mu.Unlock()
		return
	}

	if finished {
		delete(s.last, rel)
	} else {
		s.last[rel] = now
	}
	s.mu.Unlock()

	s.logger.Debug("upload progress",
		slog.String("path", rel),
		slog.Float64("percent", percent),
		slog.String("speed", humanize.IBytes(uint64(max(bytesPerSec, 0)))+"/s"),
		slog.Duration("eta", eta),
	)
}

// Status implements StatusSink.
func (s *LogSink) Status(msg string) {
	s.logger.Info(msg)
}

// safeSinks shields the engine from panicking observers.
type safeSinks struct {
	progress ProgressSink
	status   StatusSink
	logger   *slog.Logger
}

func (s safeSinks) guard(what string) {
	if r := recover(); r != nil {
		s.logger.Warn("observer panicked", slog.String("sink", what), slog.Any("panic", r))
	}
}

func (s safeSinks) started(rel string, size int64) {
	if s.progress == nil {
		return
	}

	defer s.guard("progress")
	s.progress.Started(rel, size)
}

func (s safeSinks) progressed(rel string, percent, speed float64, eta time.Duration) {
	if s.progress == nil {
		return
	}

	defer s.guard("progress")
	s.progress.Progress(rel, percent, speed, eta)
}

func (s safeSinks) report(msg string) {
	if s.status == nil {
		return
	}

	defer s.guard("status")
	s.status.Status(msg)
}
