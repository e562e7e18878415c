package errors

import "errors"

// Per-file transfer outcomes.
var (
	ErrFileUnstable     = errors.New("file is still being written")
	ErrUnroutable       = errors.New("no endpoint can carry this file")
	ErrEndpointNotReady = errors.New("secondary endpoint not ready")
	ErrNoDownloadSource = errors.New("record has no usable download reference")
)

// Remote/transport errors.
var (
	ErrRemoteRejected = errors.New("remote endpoint rejected the request")
	ErrRateLimited    = errors.New("remote endpoint rate limit retries exhausted")
)

// Persistence errors.
var (
	ErrMetadataCorrupt = errors.New("metadata file is corrupt")
)
