package upload

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/cloud-mirror/internal/ingest"
)

func TestPathSalt(t *testing.T) {
	h := sha256.Sum256([]byte("docs/a.txt"))

	assert.Equal(t, h[:16], pathSalt("docs/a.txt"))
	assert.NotEqual(t, pathSalt("docs/a.txt"), pathSalt("docs/b.txt"))
}

func TestDeriveKey_DependsOnPassphraseAndSalt(t *testing.T) {
	k1, err := deriveKey([]byte("pw"), pathSalt("a"))
	require.NoError(t, err)

	k2, err := deriveKey([]byte("pw"), pathSalt("a"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := deriveKey([]byte("pw"), pathSalt("b"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := deriveKey([]byte("other"), pathSalt("a"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	assert.Len(t, k1, keyLen)
}

func TestNewEncryptor_NFKCPassphrase(t *testing.T) {
	// U+FB01 (ligature fi) normalises to "fi" under NFKC.
	assert.Equal(t, NewEncryptor("fi").passphrase, NewEncryptor("ﬁ").passphrase)
}

func TestEncryptor_ApplyWritesSiblingFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.pdf")
	plaintext := []byte("quarterly numbers")
	require.NoError(t, os.WriteFile(src, plaintext, 0o644))

	enc := NewEncryptor("pw")

	out, err := enc.Apply("report.pdf", src)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(src), filepath.Dir(out.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(out.Path), ".report.pdf."))
	assert.True(t, strings.HasSuffix(out.Path, ".enc"))

	sealed, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(sealed)), out.Size)

	aead, err := enc.cipherFor("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, len(plaintext)+aead.NonceSize()+aead.Overhead(), len(sealed))

	info, err := os.Stat(out.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out.Cleanup()
	out.Cleanup()
	assert.NoFileExists(t, out.Path)
}

func TestEncryptor_ConcurrentAttemptsDoNotShareOutput(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	enc := NewEncryptor("pw")

	first, err := enc.Apply("a.bin", src)
	require.NoError(t, err)

	second, err := enc.Apply("a.bin", src)
	require.NoError(t, err)

	defer second.Cleanup()

	assert.NotEqual(t, first.Path, second.Path)

	want, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	first.Cleanup()
	assert.NoFileExists(t, first.Path)

	got, err := os.ReadFile(second.Path)
	require.NoError(t, err, "cleaning up one attempt leaves the other's output")
	assert.Equal(t, want, got)
	assert.Equal(t, int64(len(got)), second.Size)
}

func TestEncryptor_OutputIgnoredByIngest(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	out, err := NewEncryptor("pw").Apply("a.txt", src)
	require.NoError(t, err)

	defer out.Cleanup()

	rel, err := filepath.Rel(root, out.Path)
	require.NoError(t, err)
	assert.True(t, ingest.Ignored(rel))
}

func TestEncryptor_RandomNonce(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("same"), 0o644))

	enc := NewEncryptor("pw")

	first, err := enc.Apply("a.txt", src)
	require.NoError(t, err)

	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	first.Cleanup()

	second, err := enc.Apply("a.txt", src)
	require.NoError(t, err)

	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	second.Cleanup()

	assert.NotEqual(t, a, b)
}

func TestEncryptor_MissingSource(t *testing.T) {
	_, err := NewEncryptor("pw").Apply("gone.txt", filepath.Join(t.TempDir(), "gone.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEncryptor_Caption(t *testing.T) {
	assert.Equal(t, "docs/a.txt (enc)", NewEncryptor("pw").Caption("docs/a.txt"))
}
