package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/McDevStudios/asshm/internal/fileutil"
)

const (
	saltLength = 16
	keyLength  = 32 // AES-256
)

// scrypt cost parameters, interactive-use profile.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// FileStore persists secrets in a single JSON file. Each value is encrypted
// with AES-256-GCM under a key derived from the passphrase with scrypt; the
// per-file salt lives alongside the ciphertexts.
type FileStore struct {
	path       string
	passphrase []byte
	mu         sync.Mutex
}

// storeFile is the on-disk shape: a hex salt plus hex-encoded,
// nonce-prefixed ciphertexts keyed by secret name.
type storeFile struct {
	Salt    string            `json:"salt"`
	Secrets map[string]string `json:"secrets"`
}

// NewFileStore returns a store writing to path. The file is created on the
// first Store call; an existing file must have been written with the same
// passphrase or Retrieve will fail to decrypt.
func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{
		path:       path,
		passphrase: []byte(passphrase),
	}
}

// Store encrypts secret and writes it to the file under name.
func (f *FileStore) Store(name, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	key, err := f.deriveKey(state.Salt)
	if err != nil {
		return err
	}
	ciphertext, err := encrypt(key, []byte(secret))
	if err != nil {
		return err
	}
	state.Secrets[name] = hex.EncodeToString(ciphertext)
	return f.write(state)
}

// Retrieve decrypts and returns the secret stored under name.
func (f *FileStore) Retrieve(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.read()
	if err != nil {
		return "", err
	}
	encoded, ok := state.Secrets[name]
	if !ok {
		return "", ErrNotFound
	}
	key, err := f.deriveKey(state.Salt)
	if err != nil {
		return "", err
	}
	ciphertext, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret %q: %w", name, err)
	}
	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// read loads the store file, or initializes a fresh state with a new random
// salt when no file exists yet.
func (f *FileStore) read() (*storeFile, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		return &storeFile{Salt: hex.EncodeToString(salt), Secrets: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}
	var state storeFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse secret store: %w", err)
	}
	if state.Secrets == nil {
		state.Secrets = make(map[string]string)
	}
	return &state, nil
}

func (f *FileStore) write(state *storeFile) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secret store: %w", err)
	}
	if err := fileutil.WriteAtomic(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	return nil
}

func (f *FileStore) deriveKey(saltHex string) ([]byte, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	key, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// encrypt seals plaintext with AES-256-GCM, prefixing the random nonce to
// the returned ciphertext.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce-prefixed AES-256-GCM ciphertext.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
