package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
)

const (
	// defaultStableInterval is the delay between size checks.
	defaultStableInterval = 500 * time.Millisecond

	// defaultStableChecks is how many consecutive unchanged sizes mark a
	// file as no longer being written.
	defaultStableChecks = 3

	// defaultStableTimeout bounds the whole probe.
	defaultStableTimeout = 120 * time.Second
)

var errStopped = errors.New("upload engine stopped")

// StabilityOptions tune the probe that waits for a writer to finish.
type StabilityOptions struct {
	Interval time.Duration
	Checks   int
	Timeout  time.Duration
}

func (o StabilityOptions) withDefaults() StabilityOptions {
	if o.Interval <= 0 {
		o.Interval = defaultStableInterval
	}

	if o.Checks <= 0 {
		o.Checks = defaultStableChecks
	}

	if o.Timeout <= 0 {
		o.Timeout = defaultStableTimeout
	}

	return o
}

// waitStable polls the size of path until it has been unchanged for
// opts.Checks consecutive polls and the file can be opened. A missing
// file returns an error wrapping fs.ErrNotExist straight away; running
// out of time returns ErrFileUnstable.
func waitStable(path string, opts StabilityOptions, stop <-chan struct{}) error {
	deadline := time.Now().Add(opts.Timeout)
	lastSize := int64(-1)
	stable := 0

	for {
		size, err := readableSize(path)

		switch {
		case errors.Is(err, fs.ErrNotExist):
			return err
		case err != nil:
			// Locked or unreadable: start counting again.
			stable = 0
			lastSize = -1
		case size == lastSize:
			stable++
		default:
			stable = 0
			lastSize = size
		}

		if stable >= opts.Checks {
			return nil
		}

		if !time.Now().Add(opts.Interval).Before(deadline) {
			return fmt.Errorf("%s still changing after %s: %w", path, opts.Timeout, syncerrors.ErrFileUnstable)
		}

		select {
		case <-time.After(opts.Interval):
		case <-stop:
			return errStopped
		}
	}
}

func readableSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory: %w", path, fs.ErrNotExist)
	}

	return info.Size(), nil
}
