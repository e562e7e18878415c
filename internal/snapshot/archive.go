// Package snapshot builds zip archives of the sync root and schedules a
// daily one. Archives are written under the root so the upload engine
// treats them like any other synced file.
package snapshot

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/cloud-mirror/internal/ingest"
)

const (
	archiveDirPerm = os.FileMode(0o755)
	archiveLayout  = "20060102_150405"
)

// ArchiveName returns the file name of the archive taken at t.
func ArchiveName(t time.Time) string {
	return "snapshot_" + t.Format(archiveLayout) + ".zip"
}

// CreateArchive zips every syncable file under root into
// <root>/.snapshots/snapshot_YYYYMMDD_HHMMSS.zip and returns its path.
// The archive is not enqueued. Earlier archives and ignored files are
// left out.
func CreateArchive(root string, now time.Time) (string, error) {
	root = filepath.Clean(root)
	dir := filepath.Join(root, ingest.SnapshotDir)

	if err := os.MkdirAll(dir, archiveDirPerm); err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}

	dest := filepath.Join(dir, ArchiveName(now))

	// The leading dot keeps the half-written archive away from the
	// watcher and the scanner.
	tmp, err := os.CreateTemp(dir, ".snapshot_*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("creating snapshot temp file: %w", err)
	}

	tmpName := tmp.Name()

	if err := writeArchive(tmp, root); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return "", err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("closing snapshot temp file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("renaming snapshot: %w", err)
	}

	return dest, nil
}

func writeArchive(w io.Writer, root string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, 6)
	})

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if rel == ingest.SnapshotDir || ingest.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("archiving %s: %w", root, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}

	return nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}

	return nil
}
