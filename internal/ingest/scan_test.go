package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/cloud-mirror/internal/metadata"
	"github.com/alexjbarnes/cloud-mirror/internal/signature"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingEnqueuer collects enqueued paths.
type recordingEnqueuer struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingEnqueuer) Enqueue(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paths = append(r.paths, path)

	return true
}

func (r *recordingEnqueuer) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]string(nil), r.paths...)
	sort.Strings(out)

	return out
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestScan_NewChangedAndUnchanged(t *testing.T) {
	root := t.TempDir()
	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)

	newFile := writeFile(t, root, "new.txt", "new")
	unchanged := writeFile(t, root, "docs/same.txt", "same")
	changed := writeFile(t, root, "docs/changed.txt", "changed")
	failed := writeFile(t, root, "failed.txt", "failed")
	writeFile(t, root, "partial.crdownload", "x")
	writeFile(t, root, ".git/config", "x")

	sameAttrs, err := signature.Probe(unchanged, false)
	require.NoError(t, err)
	store.Put("docs/same.txt", metadata.FileRecord{Signature: sameAttrs.Signature(), Status: metadata.StatusUploaded})

	store.Put("docs/changed.txt", metadata.FileRecord{
		Signature:  "1:1:",
		Status:     metadata.StatusUploaded,
		PrimaryRef: &metadata.PrimaryRef{MessageID: 1, BlobID: "blob-1"},
	})

	failedAttrs, err := signature.Probe(failed, false)
	require.NoError(t, err)
	store.Put("failed.txt", metadata.FileRecord{Signature: failedAttrs.Signature(), Status: metadata.StatusFailed})

	enq := &recordingEnqueuer{}

	res, err := NewScanner(root, store, enq, false, testLogger).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ScanResult{Files: 4, Queued: 3, Unchanged: 1}, res)

	want := []string{changed, failed, newFile}
	sort.Strings(want)
	assert.Equal(t, want, enq.Paths())

	rec, ok := store.Get("new.txt")
	require.True(t, ok)
	assert.Equal(t, metadata.StatusPending, rec.Status)
	assert.Equal(t, int64(3), rec.Size)

	rec, _ = store.Get("docs/changed.txt")
	assert.Equal(t, metadata.StatusPending, rec.Status)
	assert.NotEqual(t, "1:1:", rec.Signature)
	assert.True(t, rec.HasPrimaryRef(), "previous reference kept until the re-upload lands")

	rec, _ = store.Get("docs/same.txt")
	assert.Equal(t, metadata.StatusUploaded, rec.Status)

	// The pending marks were saved in one go.
	reloaded := metadata.Load(store.Path(), testLogger)
	assert.Equal(t, 4, reloaded.Len())
}

func TestScan_NothingChangedDoesNotSave(t *testing.T) {
	root := t.TempDir()
	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)

	path := writeFile(t, root, "a.txt", "a")
	attrs, err := signature.Probe(path, false)
	require.NoError(t, err)
	store.Put("a.txt", metadata.FileRecord{Signature: attrs.Signature(), Status: metadata.StatusUploaded})

	enq := &recordingEnqueuer{}

	res, err := NewScanner(root, store, enq, false, testLogger).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ScanResult{Files: 1, Unchanged: 1}, res)
	assert.Empty(t, enq.Paths())
	assert.NoFileExists(t, store.Path())
}

func TestScan_ConcurrentResultsAreNotOverwritten(t *testing.T) {
	root := t.TempDir()
	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)

	const n = 100

	rels := make([]string, n)
	sigs := make([]string, n)

	for i := range n {
		rels[i] = filepath.ToSlash(filepath.Join("d", string(rune('a'+i%26)), strconv.Itoa(i)+".txt"))
		path := writeFile(t, root, rels[i], strconv.Itoa(i))

		attrs, err := signature.Probe(path, false)
		require.NoError(t, err)

		sigs[i] = attrs.Signature()
		store.Put(rels[i], metadata.FileRecord{Signature: sigs[i], Status: metadata.StatusPending})
	}

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range n {
			_ = store.Update(rels[i], func(rec *metadata.FileRecord) {
				rec.Signature = sigs[i]
				rec.Status = metadata.StatusUploaded
				rec.Transport = metadata.TransportPrimary
				rec.PrimaryRef = &metadata.PrimaryRef{MessageID: int64(i + 1), BlobID: "blob"}
			})
		}
	}()

	_, err := NewScanner(root, store, &recordingEnqueuer{}, false, testLogger).Scan(context.Background())
	require.NoError(t, err)

	wg.Wait()

	for i, rel := range rels {
		rec, ok := store.Get(rel)
		require.True(t, ok, rel)
		assert.Equal(t, metadata.StatusUploaded, rec.Status, rel)
		require.True(t, rec.HasPrimaryRef(), rel)
		assert.Equal(t, int64(i+1), rec.PrimaryRef.MessageID, rel)
	}
}

func TestScan_SnapshotArchivesIncluded(t *testing.T) {
	root := t.TempDir()
	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)

	archive := writeFile(t, root, ".snapshots/snapshot_20240101_020000.zip", "zip")
	enq := &recordingEnqueuer{}

	_, err := NewScanner(root, store, enq, false, testLogger).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{archive}, enq.Paths())
}

func TestScan_MissingRoot(t *testing.T) {
	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)

	_, err := NewScanner(filepath.Join(t.TempDir(), "absent"), store, &recordingEnqueuer{}, false, testLogger).Scan(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestScan_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := metadata.New(filepath.Join(t.TempDir(), "metadata.json"), testLogger)
	_, err := NewScanner(root, store, &recordingEnqueuer{}, false, testLogger).Scan(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
