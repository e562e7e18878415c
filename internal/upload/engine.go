// Package upload runs the worker pool that turns change notifications
// into transfers and records the outcome of each in the metadata store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
	"github.com/alexjbarnes/cloud-mirror/internal/ingest"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
	"github.com/alexjbarnes/cloud-mirror/internal/signature"
	"github.com/alexjbarnes/cloud-mirror/internal/transfer"
)

const (
	// DefaultWorkers is used when Start is given a worker count below one.
	DefaultWorkers = 3

	// defaultDebounce suppresses repeat enqueues of the same path.
	defaultDebounce = time.Second

	// defaultRetryDelay is how long a worker waits before re-enqueuing a
	// file that never stabilised.
	defaultRetryDelay = 1500 * time.Millisecond

	// defaultPollInterval bounds each wait on the queue so workers
	// notice Stop.
	defaultPollInterval = 500 * time.Millisecond

	// debouncePruneAt is the size at which expired debounce entries are
	// swept.
	debouncePruneAt = 1024
)

// Sender transfers one file. *transfer.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, path, caption string, size int64, opts transfer.SendOptions) (transfer.SendResult, error)
}

// Options configure an Engine. Zero values pick the defaults.
type Options struct {
	// Root is the watched directory. Paths outside it are dropped.
	Root string

	// UseContentHash adds a SHA-256 of the content to every signature.
	UseContentHash bool

	// Transform, when set, runs before every transfer.
	Transform Transform

	Progress ProgressSink
	Status   StatusSink

	// Debounce is the window in which repeat enqueues of one path are
	// dropped. Negative disables it.
	Debounce time.Duration

	Stability    StabilityOptions
	RetryDelay   time.Duration
	PollInterval time.Duration
}

// Stats counts outcomes since the engine was created.
type Stats struct {
	Uploaded int64
	Failed   int64
	Skipped  int64
	Bytes    int64
}

// Engine owns the upload queue and its workers.
//
// Work flows enqueue → queue → worker → process. Enqueue filters out
// missing, ignored, debounced, already-synced and already-queued paths.
// A worker re-checks everything that may have changed since, then
// transfers the file and records the result.
type Engine struct {
	root      string
	store     *metadata.Store
	sender    Sender
	logger    *slog.Logger
	useHash   bool
	transform Transform
	sinks     safeSinks

	debounce     time.Duration
	retryDelay   time.Duration
	pollInterval time.Duration
	stability    StabilityOptions

	queue *workQueue
	gate  pauseGate

	recentMu sync.Mutex
	recent   map[string]time.Time
	now      func() time.Time

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	uploaded atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	bytes    atomic.Int64
}

// New creates an engine. Nothing runs until Start.
func New(store *metadata.Store, sender Sender, opts Options, logger *slog.Logger) *Engine {
	e := &Engine{
		root:         filepath.Clean(opts.Root),
		store:        store,
		sender:       sender,
		logger:       logger,
		useHash:      opts.UseContentHash,
		transform:    opts.Transform,
		sinks:        safeSinks{progress: opts.Progress, status: opts.Status, logger: logger},
		debounce:     opts.Debounce,
		retryDelay:   opts.RetryDelay,
		pollInterval: opts.PollInterval,
		stability:    opts.Stability.withDefaults(),
		queue:        newWorkQueue(),
		recent:       make(map[string]time.Time),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}

	if e.debounce == 0 {
		e.debounce = defaultDebounce
	}

	if e.retryDelay <= 0 {
		e.retryDelay = defaultRetryDelay
	}

	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}

	return e
}

// Enqueue schedules path for upload. Relative paths are taken relative
// to the root. It reports whether the path was added to the queue.
func (e *Engine) Enqueue(path string) bool {
	return e.enqueue(path, true)
}

func (e *Engine) enqueue(path string, debounce bool) bool {
	abs := e.absolute(path)

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return false
	}

	rel, ok := e.relative(abs)
	if !ok || ingest.Ignored(rel) {
		return false
	}

	if debounce && e.debounced(rel) {
		e.logger.Debug("debounced", slog.String("path", rel))
		return false
	}

	if e.alreadySynced(rel, abs) {
		e.logger.Debug("skip unchanged", slog.String("path", rel))
		return false
	}

	if !e.queue.push(abs) {
		return false
	}

	e.logger.Debug("enqueued", slog.String("path", rel))

	return true
}

// debounced records rel and reports whether it was already seen within
// the debounce window.
func (e *Engine) debounced(rel string) bool {
	if e.debounce < 0 {
		return false
	}

	now := e.now()

	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	if last, ok := e.recent[rel]; ok && now.Sub(last) < e.debounce {
		return true
	}

	e.recent[rel] = now

	if len(e.recent) >= debouncePruneAt {
		for p, t := range e.recent {
			if now.Sub(t) >= e.debounce {
				delete(e.recent, p)
			}
		}
	}

	return false
}

// alreadySynced reports whether the stored record is uploaded and
// matches the file as it is now. Only uploaded records are probed.
func (e *Engine) alreadySynced(rel, abs string) bool {
	rec, ok := e.store.Get(rel)
	if !ok || rec.Status != metadata.StatusUploaded {
		return false
	}

	attrs, err := signature.Probe(abs, e.useHash)
	if err != nil {
		return false
	}

	return rec.Synced(attrs.Signature())
}

// Start launches workers goroutines. ctx is handed to every transfer;
// stopping the engine does not cancel it. Start is a no-op after the
// first call.
func (e *Engine) Start(ctx context.Context, workers int) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	if workers < 1 {
		workers = DefaultWorkers
	}

	e.logger.Info("starting upload workers", slog.Int("workers", workers))

	for i := range workers {
		e.wg.Add(1)

		go func() {
			defer e.wg.Done()
			e.work(ctx, i+1)
		}()
	}
}

// Stop tells workers to exit once their current item is done. Items
// still queued stay unprocessed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Wait blocks until every worker has exited or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops workers from starting new items. Transfers already under
// way continue.
func (e *Engine) Pause() {
	if e.gate.pause() {
		e.sinks.report("Upload paused.")
	}
}

// Resume releases paused workers.
func (e *Engine) Resume() {
	if e.gate.resume() {
		e.sinks.report("Upload resumed.")
	}
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	return e.gate.isPaused()
}

// Pending returns the number of queued paths.
func (e *Engine) Pending() int {
	return e.queue.len()
}

// Stats returns the outcome counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Uploaded: e.uploaded.Load(),
		Failed:   e.failed.Load(),
		Skipped:  e.skipped.Load(),
		Bytes:    e.bytes.Load(),
	}
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) work(ctx context.Context, id int) {
	logger := e.logger.With(slog.Int("worker", id))
	logger.Debug("worker started")

	for !e.stopped() {
		abs, ok := e.queue.pop(e.stopCh, e.pollInterval)
		if !ok {
			continue
		}

		// A dequeued item waits out a pause. If stop comes first it goes
		// back to the head of the queue.
		if !e.gate.wait(e.stopCh) {
			e.queue.pushFront(abs)
			logger.Info("stopping while paused, item returned to queue", slog.String("path", abs))

			break
		}

		e.process(ctx, abs)
	}

	logger.Debug("worker exiting")
}

// process uploads one file. Every outcome is recorded or logged; nothing
// is returned to the worker.
func (e *Engine) process(ctx context.Context, abs string) {
	rel, ok := e.relative(abs)
	if !ok {
		e.logger.Debug("outside root, dropped", slog.String("path", abs))
		return
	}

	err := waitStable(abs, e.stability, e.stopCh)

	switch {
	case err == nil:
	case errors.Is(err, syncerrors.ErrFileUnstable):
		e.logger.Info("file still changing, retrying later", slog.String("path", rel))
		e.requeueLater(abs)

		return
	case errors.Is(err, errStopped):
		return
	default:
		e.logger.Debug("file gone before upload", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	attrs, err := signature.Probe(abs, e.useHash)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("reading file attributes", slog.String("path", rel), slog.String("error", err.Error()))
		}

		return
	}

	sig := attrs.Signature()

	if rec, ok := e.store.Get(rel); ok && rec.Synced(sig) {
		e.skipped.Add(1)
		e.logger.Debug("already synced", slog.String("path", rel))

		return
	}

	sendPath, size, caption := abs, attrs.Size, rel
	encrypted := false

	if e.transform != nil {
		out, err := e.transform.Apply(rel, abs)
		if err != nil {
			e.recordFailure(rel, attrs, attrs.Size, err)
			return
		}
		defer out.Cleanup()

		sendPath, size, caption, encrypted = out.Path, out.Size, e.transform.Caption(rel), true
	}

	e.sinks.started(rel, size)

	res, err := e.sender.Send(ctx, sendPath, caption, size, transfer.SendOptions{
		Progress: func(p transfer.Progress) {
			e.sinks.progressed(rel, p.Percent(), p.Speed, p.ETA)
		},
	})
	if err != nil {
		e.recordFailure(rel, attrs, size, err)
		return
	}

	e.recordSuccess(rel, attrs, res, encrypted)
	e.bytes.Add(size)
}

// requeueLater waits retryDelay, then puts abs back on the queue
// without debouncing.
func (e *Engine) requeueLater(abs string) {
	select {
	case <-time.After(e.retryDelay):
		e.enqueue(abs, false)
	case <-e.stopCh:
	}
}

// recordSuccess stores the new remote reference. Attributes are those
// probed before the transfer; a change made during the upload produces
// a new signature and is picked up by the next event or scan.
func (e *Engine) recordSuccess(rel string, attrs signature.Attributes, res transfer.SendResult, encrypted bool) {
	now := e.now().UTC()

	// Save errors are logged by the store.
	_ = e.store.Update(rel, func(rec *metadata.FileRecord) {
		rec.Size = attrs.Size
		rec.ModTime = attrs.ModTime
		rec.ContentHash = attrs.Hash
		rec.Signature = attrs.Signature()
		rec.Status = metadata.StatusUploaded
		rec.UploadedAt = &now
		rec.Transport = res.Transport
		rec.Encrypted = encrypted
		rec.LastError = ""

		// Only the most recent transport's reference is kept.
		if res.Transport == metadata.TransportSecondary {
			rec.SecondaryRef = res.SecondaryRef
			rec.PrimaryRef = nil
		} else {
			rec.PrimaryRef = res.PrimaryRef
			rec.SecondaryRef = 0
		}
	})

	e.uploaded.Add(1)

	e.logger.Info("uploaded",
		slog.String("path", rel),
		slog.String("transport", string(res.Transport)),
		slog.String("size", humanize.IBytes(uint64(attrs.Size))),
	)
	e.sinks.report(fmt.Sprintf("Uploaded %s via %s (%s)", rel, res.Transport, humanize.IBytes(uint64(attrs.Size))))
}

// recordFailure marks rel failed with the signature seen at attempt
// time. Failed records are never treated as synced, so the file is
// retried on its next enqueue even when unchanged.
func (e *Engine) recordFailure(rel string, attrs signature.Attributes, size int64, cause error) {
	_ = e.store.Update(rel, func(rec *metadata.FileRecord) {
		if rec.Signature == "" {
			rec.Size = attrs.Size
			rec.ModTime = attrs.ModTime
			rec.ContentHash = attrs.Hash
		}

		rec.Status = metadata.StatusFailed
		rec.Signature = attrs.Signature()
		rec.LastError = cause.Error()
	})

	e.failed.Add(1)

	var msg string

	switch {
	case errors.Is(cause, syncerrors.ErrUnroutable):
		msg = fmt.Sprintf("Skipped %s: %s exceeds every available endpoint", rel, humanize.IBytes(uint64(size)))
	default:
		msg = fmt.Sprintf("Failed to upload %s", rel)
	}

	e.logger.Warn("upload failed", slog.String("path", rel), slog.String("error", cause.Error()))
	e.sinks.report(msg)
}

func (e *Engine) absolute(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(e.root, path)
}

// relative returns abs relative to the root with forward slashes, and
// false when abs is the root itself or outside it.
func (e *Engine) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(e.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return filepath.ToSlash(rel), true
}
