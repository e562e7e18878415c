package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
	"github.com/alexjbarnes/cloud-mirror/internal/signature"
)

// ScanResult summarises a Scan.
type ScanResult struct {
	Files     int
	Queued    int
	Unchanged int
}

// Scanner walks the root once and enqueues every file whose record is
// missing, not uploaded, or carries a different signature. Those
// records are marked pending with the current attributes first, and
// the store is saved once at the end.
type Scanner struct {
	root    string
	store   *metadata.Store
	enq     Enqueuer
	useHash bool
	logger  *slog.Logger
}

// NewScanner creates a scanner.
func NewScanner(root string, store *metadata.Store, enq Enqueuer, useHash bool, logger *slog.Logger) *Scanner {
	return &Scanner{
		root:    filepath.Clean(root),
		store:   store,
		enq:     enq,
		useHash: useHash,
		logger:  logger,
	}
}

// Scan runs the walk. Unreadable entries are logged and skipped; only a
// cancelled ctx or an unreadable root stops it early.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var (
		res     ScanResult
		changed []string
	)

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if path == s.root {
				return err
			}

			s.logger.Warn("scan: skipping unreadable entry", slog.String("path", path), slog.String("error", err.Error()))

			return nil
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel = filepath.ToSlash(rel)
		res.Files++

		attrs, err := signature.Probe(path, s.useHash)
		if err != nil {
			s.logger.Warn("scan: reading attributes", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}

		sig := attrs.Signature()

		// Workers may be recording results for the same path, so the
		// check and the pending mark happen under the store lock.
		marked := s.store.Modify(rel, func(rec *metadata.FileRecord) bool {
			if rec.Synced(sig) {
				return false
			}

			rec.Size = attrs.Size
			rec.ModTime = attrs.ModTime
			rec.ContentHash = attrs.Hash
			rec.Signature = sig
			rec.Status = metadata.StatusPending

			return true
		})
		if !marked {
			res.Unchanged++
			return nil
		}

		changed = append(changed, path)

		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scanning %s: %w", s.root, err)
	}

	if len(changed) > 0 {
		// Save errors are logged by the store.
		_ = s.store.Save()
	}

	for _, path := range changed {
		if s.enq.Enqueue(path) {
			res.Queued++
		}
	}

	s.logger.Info("initial scan complete",
		slog.Int("files", res.Files),
		slog.Int("queued", res.Queued),
		slog.Int("unchanged", res.Unchanged),
	)

	return res, nil
}
