package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/cloud-mirror/internal/ingest"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
)

// minWait keeps a run that lands exactly on the target minute from
// firing twice.
const minWait = time.Second

// NextRun returns the first hour:minute strictly after now, in now's
// location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// Scheduler creates an archive once a day, enqueues it and records the
// time in the metadata store.
type Scheduler struct {
	root   string
	hour   int
	minute int
	enq    ingest.Enqueuer
	store  *metadata.Store
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewScheduler creates a scheduler firing daily at hour:minute local
// time.
func NewScheduler(root string, hour, minute int, enq ingest.Enqueuer, store *metadata.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		root:   root,
		hour:   hour,
		minute: minute,
		enq:    enq,
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

// Run blocks until ctx is cancelled. A failed run is logged and the
// next day's run is still scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := NextRun(now, s.hour, s.minute)

		wait := next.Sub(now)
		if wait < minWait {
			wait = minWait
		}

		s.logger.Info("daily snapshot scheduled",
			slog.Time("at", next),
			slog.Duration("in", wait.Round(time.Second)),
		)

		timer := s.clock.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}

		if _, err := s.RunOnce(); err != nil {
			s.logger.Error("daily snapshot failed", slog.String("error", err.Error()))
		}
	}
}

// RunOnce creates an archive now, enqueues it and stamps the last
// backup time. The archive path is returned even when persisting the
// timestamp fails.
func (s *Scheduler) RunOnce() (string, error) {
	now := s.clock.Now()

	path, err := CreateArchive(s.root, now)
	if err != nil {
		return "", err
	}

	s.enq.Enqueue(path)

	if err := s.store.SetLastBackup(now); err != nil {
		return path, err
	}

	s.logger.Info("daily snapshot enqueued", slog.String("path", path))

	return path, nil
}
