package transfer

import (
	"context"
	"fmt"
	"log/slog"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
)

// primaryEndpoint is the subset of PrimaryClient the router needs.
type primaryEndpoint interface {
	MaxBytes() int64
	Send(ctx context.Context, path, caption string, progress ProgressFunc) (*metadata.PrimaryRef, error)
	Download(ctx context.Context, blobID, dest string, progress ProgressFunc) error
}

// secondaryEndpoint is the subset of SecondaryClient the router needs.
type secondaryEndpoint interface {
	Ready() bool
	Upload(ctx context.Context, path, caption string, progress ProgressFunc) (int64, error)
	Download(ctx context.Context, messageID int64, dest string, progress ProgressFunc) error
}

// RouterOptions are the routing feature flags.
type RouterOptions struct {
	// LargeFileMode allows routing to the secondary endpoint at all.
	LargeFileMode bool

	// ForceSecondary sends every file through the secondary endpoint
	// whenever it is ready, regardless of size.
	ForceSecondary bool
}

// SendOptions tune a single Send.
type SendOptions struct {
	PreferSecondary bool
	Progress        ProgressFunc
}

// Router picks an endpoint for each transfer and hides the difference
// between them.
type Router struct {
	primary   primaryEndpoint
	secondary secondaryEndpoint
	opts      RouterOptions
	logger    *slog.Logger
}

// NewRouter creates a router. secondary may be nil when the session
// endpoint is not configured.
func NewRouter(primary *PrimaryClient, secondary *SecondaryClient, opts RouterOptions, logger *slog.Logger) *Router {
	r := &Router{primary: primary, opts: opts, logger: logger}

	// Keep a nil *SecondaryClient out of the interface.
	if secondary != nil {
		r.secondary = secondary
	}

	return r
}

func (r *Router) secondaryReady() bool {
	return r.secondary != nil && r.secondary.Ready()
}

// Route decides which endpoint would carry a file of the given size.
// It returns ErrUnroutable when neither can.
func (r *Router) Route(size int64, preferSecondary bool) (metadata.Transport, error) {
	maxPrimary := r.primary.MaxBytes()

	// The session protocol only reports a message id on a chunk ack, so
	// an empty file has no way to finish there.
	if size == 0 {
		return metadata.TransportPrimary, nil
	}

	if r.opts.LargeFileMode && r.secondaryReady() &&
		(r.opts.ForceSecondary || size > maxPrimary || preferSecondary) {
		return metadata.TransportSecondary, nil
	}

	if size <= maxPrimary {
		return metadata.TransportPrimary, nil
	}

	if r.opts.LargeFileMode && !r.secondaryReady() {
		return "", fmt.Errorf("size %d exceeds primary limit %d: %w: %w", size, maxPrimary, syncerrors.ErrUnroutable, syncerrors.ErrEndpointNotReady)
	}

	return "", fmt.Errorf("size %d exceeds primary limit %d: %w", size, maxPrimary, syncerrors.ErrUnroutable)
}

// Send uploads the file at path. size is the byte count used for
// routing, which is the transformed size when the file was encrypted.
func (r *Router) Send(ctx context.Context, path, caption string, size int64, opts SendOptions) (SendResult, error) {
	transport, err := r.Route(size, opts.PreferSecondary)
	if err != nil {
		return SendResult{}, err
	}

	switch transport {
	case metadata.TransportSecondary:
		id, err := r.secondary.Upload(ctx, path, caption, opts.Progress)
		if err != nil {
			return SendResult{}, err
		}

		return SendResult{Transport: transport, SecondaryRef: id}, nil

	default:
		ref, err := r.primary.Send(ctx, path, caption, opts.Progress)
		if err != nil {
			return SendResult{}, err
		}

		return SendResult{Transport: transport, PrimaryRef: ref}, nil
	}
}

// Receive downloads the remote copy of rec into dest. The primary
// reference is tried first. When it fails, the secondary reference is
// used; without one, a ready secondary session fetches the primary
// message by id, since both endpoints post into the same chat.
func (r *Router) Receive(ctx context.Context, rec metadata.FileRecord, dest string, progress ProgressFunc) error {
	var primaryErr error

	if rec.HasPrimaryRef() {
		primaryErr = r.primary.Download(ctx, rec.PrimaryRef.BlobID, dest, progress)
		if primaryErr == nil {
			return nil
		}

		if !rec.HasSecondaryRef() {
			return r.receiveByMessageID(ctx, rec.PrimaryRef.MessageID, dest, progress, primaryErr)
		}

		r.logger.Warn("primary download failed, trying secondary",
			slog.String("dest", dest),
			slog.String("error", primaryErr.Error()),
		)
	}

	if !rec.HasSecondaryRef() {
		return syncerrors.ErrNoDownloadSource
	}

	if !r.secondaryReady() {
		if primaryErr != nil {
			return fmt.Errorf("%w (secondary: %w)", primaryErr, syncerrors.ErrEndpointNotReady)
		}

		return fmt.Errorf("%w: %w", syncerrors.ErrNoDownloadSource, syncerrors.ErrEndpointNotReady)
	}

	return r.secondary.Download(ctx, rec.SecondaryRef, dest, progress)
}

// receiveByMessageID retries a failed primary download through the
// secondary session. primaryErr is returned unchanged when the session
// is not ready or there is no message id to ask for.
func (r *Router) receiveByMessageID(ctx context.Context, messageID int64, dest string, progress ProgressFunc, primaryErr error) error {
	if messageID == 0 || !r.secondaryReady() {
		return primaryErr
	}

	r.logger.Warn("primary download failed, fetching message through secondary",
		slog.String("dest", dest),
		slog.Int64("message_id", messageID),
		slog.String("error", primaryErr.Error()),
	)

	if err := r.secondary.Download(ctx, messageID, dest, progress); err != nil {
		return fmt.Errorf("%w (secondary: %w)", primaryErr, err)
	}

	return nil
}
