package metadata

import "time"

// Status is the sync state of a single file.
type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// Transport names the remote endpoint that last handled a file.
type Transport string

const (
	TransportPrimary   Transport = "primary"
	TransportSecondary Transport = "secondary"
)

// PrimaryRef locates an upload on the primary endpoint. BlobID is the
// handle the primary endpoint needs to serve the bytes back.
type PrimaryRef struct {
	MessageID int64  `json:"message_id" yaml:"message_id"`
	BlobID    string `json:"blob_id" yaml:"blob_id"`
}

// FileRecord is the persisted sync state for one relative path.
type FileRecord struct {
	Size        int64     `json:"size" yaml:"size"`
	ModTime     time.Time `json:"mtime" yaml:"mtime"`
	ContentHash string    `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Signature   string    `json:"signature" yaml:"signature"`
	Status      Status    `json:"status" yaml:"status"`
	Transport   Transport `json:"transport,omitempty" yaml:"transport,omitempty"`

	PrimaryRef *PrimaryRef `json:"primary_ref,omitempty" yaml:"primary_ref,omitempty"`

	// SecondaryRef is the message id on the secondary endpoint. Zero
	// means no secondary reference.
	SecondaryRef int64 `json:"secondary_ref,omitempty" yaml:"secondary_ref,omitempty"`

	UploadedAt *time.Time `json:"uploaded_at,omitempty" yaml:"uploaded_at,omitempty"`

	// Encrypted marks records whose remote copy is ciphertext. Downloads
	// return those bytes unchanged.
	Encrypted bool `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`

	// LastError holds the reason for the most recent failed attempt.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Synced reports whether the record is uploaded and still matches the
// given signature. A failed or pending record is never synced.
func (r FileRecord) Synced(sig string) bool {
	return r.Status == StatusUploaded && r.Signature == sig
}

// HasPrimaryRef reports whether the record can be fetched from the
// primary endpoint.
func (r FileRecord) HasPrimaryRef() bool {
	return r.PrimaryRef != nil && r.PrimaryRef.BlobID != ""
}

// HasSecondaryRef reports whether the record can be fetched from the
// secondary endpoint.
func (r FileRecord) HasSecondaryRef() bool {
	return r.SecondaryRef != 0
}
