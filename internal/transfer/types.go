// Package transfer moves files to and from the remote store through two
// asymmetric endpoints: a size-limited request/response API (primary)
// and a long-lived session owned by a single event loop (secondary).
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
)

const (
	// DefaultPrimaryMaxBytes is the primary endpoint payload ceiling
	// (49 MiB), kept just under the remote's hard 50 MB limit.
	DefaultPrimaryMaxBytes = 49 * 1024 * 1024

	// downloadFilePerm is the permission mode for downloaded files.
	downloadFilePerm = 0o644

	// downloadDirPerm is the permission mode for created download directories.
	downloadDirPerm = 0o755
)

// SendResult is the outcome of a successful Send. Exactly one of
// PrimaryRef and SecondaryRef is set, matching Transport.
type SendResult struct {
	Transport    metadata.Transport
	PrimaryRef   *metadata.PrimaryRef
	SecondaryRef int64
}

// APIError is a non-success response from the primary endpoint.
type APIError struct {
	Status      int
	Code        int
	Description string

	// RetryAfter is the server-requested delay for rate-limit responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("primary endpoint returned status %d", e.Status)
	}

	return fmt.Sprintf("primary endpoint returned status %d: %s", e.Status, e.Description)
}

// Is makes every APIError match ErrRemoteRejected.
func (e *APIError) Is(target error) bool {
	return target == syncerrors.ErrRemoteRejected
}

// waitWithContext sleeps for delay or until ctx is done.
func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// streamToFile copies r into dest through a temp file in the same
// directory, renaming it into place only when the copy completes.
func streamToFile(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), downloadDirPerm); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmpFile.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmpFile, r)
	if err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("writing %s: %w", dest, err)
	}

	if err := tmpFile.Chmod(downloadFilePerm); err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("setting permissions on %s: %w", dest, err)
	}

	if err := tmpFile.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dest, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return n, fmt.Errorf("renaming into %s: %w", dest, err)
	}

	committed = true

	return n, nil
}
