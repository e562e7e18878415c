// Package signature derives the change fingerprint used to decide whether
// a file needs uploading and whether a stored record is still in sync.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Attributes are the on-disk properties a signature is computed from.
// Hash is empty unless content hashing is enabled.
type Attributes struct {
	Size    int64
	ModTime time.Time
	Hash    string
}

// Of returns the signature for the given attributes. Modification time is
// truncated to whole seconds so filesystems with different timestamp
// resolution agree on the same fingerprint.
func Of(size int64, modTime time.Time, hash string) string {
	return strconv.FormatInt(size, 10) + ":" +
		strconv.FormatInt(modTime.Unix(), 10) + ":" +
		hash
}

// Signature is shorthand for Of(a.Size, a.ModTime, a.Hash).
func (a Attributes) Signature() string {
	return Of(a.Size, a.ModTime, a.Hash)
}

// Probe stats path and, when withHash is true, hashes its content with
// SHA-256.
func Probe(path string, withHash bool) (Attributes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attributes{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		return Attributes{}, fmt.Errorf("stat %s: is a directory", path)
	}

	attrs := Attributes{Size: info.Size(), ModTime: info.ModTime()}

	if withHash {
		h, err := HashFile(path)
		if err != nil {
			return Attributes{}, err
		}

		attrs.Hash = h
	}

	return attrs, nil
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
