package secret

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sakif/identity-vault/internal/apperror"
)

// compile-time check that *File implements Store
var _ Store = (*File)(nil)

// File stores each secret as one encrypted file under a directory:
//
//	<dir>/salt                      random KDF salt, created on first use
//	<dir>/<identityID>.<kind>.enc   per-identity secrets
//	<dir>/_store.<kind>.enc         store-scoped secrets (empty identityID)
//
// Every file is sealed with ChaCha20-Poly1305 under a key derived from the
// passphrase with argon2id. The "_store" prefix cannot collide with an
// identity ID (xid strings never start with an underscore).
type File struct {
	dir        string
	passphrase string

	mu  sync.Mutex
	key []byte // derived lazily on first use, then cached
}

const (
	saltFile    = "salt"
	saltSize    = 16
	storePrefix = "_store"
)

// NewFile returns a file-backed secret store rooted at dir. The directory is
// created on first write.
func NewFile(dir, passphrase string) *File {
	return &File{dir: dir, passphrase: passphrase}
}

// sealedSecret is the on-disk JSON envelope.
type sealedSecret struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

const sealedSecretVersion = 1

// derivedKey loads (or creates) the salt and derives the file encryption
// key. Callers must hold f.mu.
func (f *File) derivedKey() ([]byte, error) {
	if f.key != nil {
		return f.key, nil
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, fmt.Errorf("secret: creating directory %s: %w", f.dir, err)
	}

	saltPath := filepath.Join(f.dir, saltFile)
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("secret: generating salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("secret: writing salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("secret: reading salt: %w", err)
	}

	f.key = argon2.IDKey([]byte(f.passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	return f.key, nil
}

func (f *File) path(identityID string, kind Kind) string {
	owner := identityID
	if owner == "" {
		owner = storePrefix
	}
	return filepath.Join(f.dir, fmt.Sprintf("%s.%s.enc", owner, kind))
}

func (f *File) Get(identityID string, kind Kind) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := f.derivedKey()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(f.path(identityID, kind))
	if os.IsNotExist(err) {
		return nil, apperror.NotFound("secret", string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", kind, err)
	}

	var sealed sealedSecret
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("secret: decoding %s: %w", kind, err)
	}
	if sealed.V > sealedSecretVersion {
		return nil, fmt.Errorf("secret: unsupported envelope version %d", sealed.V)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secret: initializing cipher: %w", err)
	}
	value, err := aead.Open(nil, sealed.Nonce, sealed.Cipher, []byte(f.path(identityID, kind)))
	if err != nil {
		return nil, fmt.Errorf("secret: opening %s: wrong passphrase or corrupted file", kind)
	}
	return value, nil
}

func (f *File) Set(identityID string, kind Kind, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := f.derivedKey()
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secret: initializing cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secret: generating nonce: %w", err)
	}
	// The file path is bound as associated data so a sealed secret can't be
	// swapped between identities by renaming files.
	cipher := aead.Seal(nil, nonce, value, []byte(f.path(identityID, kind)))

	raw, err := json.Marshal(sealedSecret{V: sealedSecretVersion, Nonce: nonce, Cipher: cipher})
	if err != nil {
		return fmt.Errorf("secret: encoding %s: %w", kind, err)
	}
	if err := os.WriteFile(f.path(identityID, kind), raw, 0o600); err != nil {
		return fmt.Errorf("secret: writing %s: %w", kind, err)
	}
	return nil
}

func (f *File) DeleteIdentity(identityID string) error {
	if identityID == "" {
		return fmt.Errorf("secret: refusing to delete store-scoped secrets")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("secret: listing directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), identityID+".") {
			if err := os.Remove(filepath.Join(f.dir, entry.Name())); err != nil {
				return fmt.Errorf("secret: deleting %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

func (f *File) IdentityIDs() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secret: listing directory: %w", err)
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		owner, _, ok := strings.Cut(entry.Name(), ".")
		if !ok || owner == "" || owner == storePrefix || entry.Name() == saltFile {
			continue
		}
		seen[owner] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
