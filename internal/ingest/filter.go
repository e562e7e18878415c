package ingest

import (
	"path"
	"path/filepath"
	"strings"
)

// SnapshotDir is the directory under the root that holds snapshot
// archives. It is the only hidden directory that is synced.
const SnapshotDir = ".snapshots"

// ignoredSuffixes are partial-download and scratch extensions that are
// never complete files.
var ignoredSuffixes = map[string]bool{
	".tmp":        true,
	".crdownload": true,
	".part":       true,
	".partial":    true,
	".enc":        true,
	".swp":        true,
}

// Ignored reports whether the path rel, relative to the root, must
// never be synced. Directories and files are checked the same way, so
// an ignored directory hides everything under it.
func Ignored(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." {
		return false
	}

	parts := strings.Split(rel, "/")

	for i, part := range parts {
		if part == ".." {
			return true
		}

		if !strings.HasPrefix(part, ".") {
			continue
		}

		// Archives directly inside the snapshot directory are synced;
		// nothing nested deeper is.
		if i == 0 && part == SnapshotDir && len(parts) <= 2 {
			continue
		}

		return true
	}

	base := parts[len(parts)-1]

	// Office lock files.
	if strings.HasPrefix(base, "~$") || strings.HasSuffix(base, "~") {
		return true
	}

	return ignoredSuffixes[strings.ToLower(path.Ext(base))]
}
