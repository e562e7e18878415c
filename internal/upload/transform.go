package upload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// keyLen is the derived key length in bytes.
	keyLen = 32

	// saltLen is how much of SHA-256(relative path) is used as the salt.
	saltLen = 16

	// encryptedSuffix ends every ciphertext temp file name. The ingest
	// filter ignores it, as it does the leading dot.
	encryptedSuffix = ".enc"
)

// contentKeyInfo is the HKDF info string for the content subkey.
var contentKeyInfo = []byte("cloud-mirror content")

// Transformed is the output of a Transform.
type Transformed struct {
	// Path is the file to transfer in place of the original.
	Path string

	// Size is the byte count of Path, used for routing and progress.
	Size int64

	// Cleanup removes any temporary output. It is safe to call more
	// than once.
	Cleanup func()
}

// Transform rewrites a file before it is handed to the router. rel is
// the path relative to the root, src the absolute source path.
type Transform interface {
	Apply(rel, src string) (Transformed, error)

	// Caption decorates the remote caption for transformed uploads.
	Caption(rel string) string
}

// Encryptor encrypts whole files with AES-256-GCM. The key is derived
// per file from the passphrase with scrypt, salted by the file's
// relative path, so the same passphrase yields a different key for
// every file.
//
// Output format: [12-byte nonce][ciphertext+GCM tag].
type Encryptor struct {
	passphrase []byte
}

// NewEncryptor returns an Encryptor. The passphrase is NFKC normalised
// so visually identical inputs derive the same key.
func NewEncryptor(passphrase string) *Encryptor {
	return &Encryptor{passphrase: []byte(norm.NFKC.String(passphrase))}
}

// Caption implements Transform.
func (e *Encryptor) Caption(rel string) string {
	return rel + " (enc)"
}

// Apply implements Transform. The ciphertext is written to a hidden
// temp file next to src, unique per call, so two attempts on one path
// never share or remove each other's output.
func (e *Encryptor) Apply(rel, src string) (Transformed, error) {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return Transformed{}, fmt.Errorf("reading %s for encryption: %w", rel, err)
	}

	aead, err := e.cipherFor(rel)
	if err != nil {
		return Transformed{}, err
	}

	sealed, err := seal(aead, plaintext)
	if err != nil {
		return Transformed{}, err
	}

	// CreateTemp opens the file 0600.
	f, err := os.CreateTemp(filepath.Dir(src), "."+filepath.Base(src)+".*"+encryptedSuffix)
	if err != nil {
		return Transformed{}, fmt.Errorf("creating encrypted temp for %s: %w", rel, err)
	}

	dst := f.Name()
	cleanup := func() { _ = os.Remove(dst) }

	if _, err := f.Write(sealed); err != nil {
		_ = f.Close()
		cleanup()

		return Transformed{}, fmt.Errorf("writing encrypted %s: %w", rel, err)
	}

	if err := f.Close(); err != nil {
		cleanup()
		return Transformed{}, fmt.Errorf("closing encrypted %s: %w", rel, err)
	}

	return Transformed{Path: dst, Size: int64(len(sealed)), Cleanup: cleanup}, nil
}

// cipherFor derives the per-file AEAD for rel.
func (e *Encryptor) cipherFor(rel string) (cipher.AEAD, error) {
	key, err := deriveKey(e.passphrase, pathSalt(rel))
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// pathSalt is the first saltLen bytes of SHA-256(rel).
func pathSalt(rel string) []byte {
	h := sha256.Sum256([]byte(rel))
	return h[:saltLen]
}

// deriveKey stretches the passphrase with scrypt and expands a content
// subkey from it with HKDF-SHA256.
func deriveKey(passphrase, salt []byte) ([]byte, error) {
	master, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	defer zeroKey(master)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, contentKeyInfo), key); err != nil {
		return nil, fmt.Errorf("expanding content key: %w", err)
	}

	return key, nil
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// zeroKey overwrites key material once it is no longer needed.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
