// Package metadata persists per-file sync records as a single JSON
// document that is rewritten wholesale on every change.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	syncerrors "github.com/alexjbarnes/cloud-mirror/internal/errors"
)

const (
	// metadataDirPerm is the permission mode for the directory holding
	// the metadata document.
	metadataDirPerm = fs.FileMode(0o700)

	// metadataFilePerm is the permission mode for the metadata document.
	metadataFilePerm = fs.FileMode(0o600)

	// quarantineSuffix is appended to a corrupt metadata file when it is
	// moved aside.
	quarantineSuffix = ".corrupt"
)

// document is the on-disk shape of the store.
type document struct {
	Files      map[string]FileRecord `json:"files"`
	LastBackup *time.Time            `json:"lastBackupTimestamp"`
}

// Store maps relative paths to FileRecords. All methods are safe for
// concurrent use; Update serializes a full read-modify-persist cycle.
type Store struct {
	mu         sync.Mutex
	path       string
	files      map[string]FileRecord
	lastBackup *time.Time
	logger     *slog.Logger
}

// New returns an empty store that persists to path.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		files:  make(map[string]FileRecord),
		logger: logger,
	}
}

// Load reads the store at path. It never fails: a missing file yields
// an empty store, and an empty or malformed file is moved aside with a
// .corrupt suffix before an empty store is returned.
func Load(path string, logger *slog.Logger) *Store {
	s := New(path, logger)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading metadata failed, starting empty",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		return s
	}

	doc, err := decode(data)
	if err != nil {
		logger.Error("metadata unreadable, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		s.quarantine()

		return s
	}

	for rel, rec := range doc.Files {
		s.files[normalizeKey(rel)] = rec
	}

	s.lastBackup = doc.LastBackup

	logger.Info("metadata loaded",
		slog.String("path", path),
		slog.Int("files", len(s.files)),
	)

	return s
}

func decode(data []byte) (document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return document{}, fmt.Errorf("empty file: %w", syncerrors.ErrMetadataCorrupt)
	}

	if err := validateDocument(data); err != nil {
		return document{}, fmt.Errorf("%w: %w", syncerrors.ErrMetadataCorrupt, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %w", syncerrors.ErrMetadataCorrupt, err)
	}

	return doc, nil
}

// quarantine renames the store file aside. An existing quarantine file
// is never overwritten.
func (s *Store) quarantine() {
	dest := s.path + quarantineSuffix
	if _, err := os.Stat(dest); err == nil {
		dest = s.path + quarantineSuffix + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error("quarantining corrupt metadata",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Warn("corrupt metadata moved aside", slog.String("quarantine", dest))
}

// Path returns the file the store persists to.
func (s *Store) Path() string {
	return s.path
}

// Get returns the record for rel.
func (s *Store) Get(rel string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[normalizeKey(rel)]

	return rec, ok
}

// Put replaces the record for rel without persisting.
func (s *Store) Put(rel string, rec FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[normalizeKey(rel)] = rec
}

// Delete removes the record for rel without persisting.
func (s *Store) Delete(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, normalizeKey(rel))
}

// Update applies fn to the record for rel (the zero record if absent)
// and persists the store, all under the store lock so concurrent
// workers never interleave partial updates. Persistence errors are
// logged and returned; the in-memory change is kept either way.
func (s *Store) Update(rel string, fn func(rec *FileRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeKey(rel)
	rec := s.files[key]
	fn(&rec)
	s.files[key] = rec

	return s.saveLocked()
}

// Modify applies fn to the record for rel (the zero record if absent)
// under the store lock without persisting. The result is stored only
// when fn returns true, and that value is returned.
func (s *Store) Modify(rel string, fn func(rec *FileRecord) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeKey(rel)
	rec := s.files[key]

	if !fn(&rec) {
		return false
	}

	s.files[key] = rec

	return true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.files)
}

// Entry pairs a relative path with its record.
type Entry struct {
	Path   string     `json:"path" yaml:"path"`
	Record FileRecord `json:"record" yaml:"record"`
}

// Entries returns a copy of every record sorted by path.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.files))
	for rel, rec := range s.files {
		out = append(out, Entry{Path: rel, Record: rec})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// Counts returns the number of records in each status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[Status]int{
		StatusPending:  0,
		StatusUploaded: 0,
		StatusFailed:   0,
	}
	for _, rec := range s.files {
		counts[rec.Status]++
	}

	return counts
}

// LastBackup returns when the last scheduled snapshot was queued.
func (s *Store) LastBackup() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastBackup == nil {
		return time.Time{}, false
	}

	return *s.lastBackup, true
}

// SetLastBackup records a snapshot time and persists the store.
func (s *Store) SetLastBackup(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t = t.UTC()
	s.lastBackup = &t

	return s.saveLocked()
}

// Save persists the store. Errors are logged and returned; the previous
// file on disk is left intact when the write fails.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(document{Files: s.files, LastBackup: s.lastBackup}, "", "  ")
	if err != nil {
		return s.logSaveError(fmt.Errorf("encoding metadata: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(s.path), metadataDirPerm); err != nil {
		return s.logSaveError(fmt.Errorf("creating metadata directory: %w", err))
	}

	if err := writeFileAtomic(s.path, data, metadataFilePerm); err != nil {
		return s.logSaveError(fmt.Errorf("writing metadata: %w", err))
	}

	return nil
}

func (s *Store) logSaveError(err error) error {
	s.logger.Error("saving metadata", slog.String("path", s.path), slog.String("error", err.Error()))
	return err
}

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it, then renames it over path. A crash at any point leaves
// either the old or the new content at path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmpFile.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	committed = true

	return nil
}

// normalizeKey converts a relative path to forward slashes and NFC so
// the same file always maps to the same key regardless of platform or
// how the filesystem reported the name.
func normalizeKey(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}
