// Package secrets stores service credentials encrypted at rest. The payload
// is AES-256-GCM encrypted under a key derived from a master password with
// PBKDF2-SHA256; the master password comes from the environment, never from
// the config file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/crypto/pbkdf2"
)

// MasterKeyEnv names the environment variable holding the master password.
const MasterKeyEnv = "DRAWBRIDGE_MASTER_KEY"

const (
	kdfIterations = 600_000
	saltSize      = 16
	keySize       = 32
)

// ErrNoMasterKey is returned when the master password is not set.
var ErrNoMasterKey = errors.New("master key not set (set " + MasterKeyEnv + ")")

// ErrNotFound is returned when a service or key is absent.
var ErrNotFound = errors.New("credential not found")

// envelope is the on-disk file format.
type envelope struct {
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Data       []byte `json:"data"`
}

// Store reads and writes the encrypted credential file. Credentials are
// grouped by service name, each service holding a flat key-value map.
type Store struct {
	path      string
	masterKey []byte
}

// NewStore creates a store over the file at path. The master password is
// read from the environment once at construction.
func NewStore(path string) (*Store, error) {
	master := os.Getenv(MasterKeyEnv)
	if master == "" {
		return nil, ErrNoMasterKey
	}
	return &Store{path: path, masterKey: []byte(master)}, nil
}

// Load decrypts and returns all credentials. A missing file is an empty
// store, not an error.
func (s *Store) Load() (map[string]map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if env.KDF != "pbkdf2-sha256" {
		return nil, fmt.Errorf("unsupported kdf %q", env.KDF)
	}

	key := pbkdf2.Key(s.masterKey, env.Salt, env.Iterations, keySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials (wrong master key?): %w", err)
	}

	creds := map[string]map[string]string{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted credentials: %w", err)
	}
	return creds, nil
}

// save encrypts creds and writes the file atomically via a temp file rename.
// A fresh salt and nonce are generated on every write.
func (s *Store) save(creds map[string]map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key(s.masterKey, salt, kdfIterations, keySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope{
		KDF:        "pbkdf2-sha256",
		Iterations: kdfIterations,
		Salt:       salt,
		Nonce:      nonce,
		Data:       gcm.Seal(nil, nonce, plaintext, nil),
	}

	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal credential file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Get returns one credential value.
func (s *Store) Get(service, key string) (string, error) {
	creds, err := s.Load()
	if err != nil {
		return "", err
	}
	kv, ok := creds[service]
	if !ok {
		return "", fmt.Errorf("%w: service %s", ErrNotFound, service)
	}
	v, ok := kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, key)
	}
	return v, nil
}

// Set stores one credential value.
func (s *Store) Set(service, key, value string) error {
	creds, err := s.Load()
	if err != nil {
		return err
	}
	if creds[service] == nil {
		creds[service] = map[string]string{}
	}
	creds[service][key] = value
	return s.save(creds)
}

// Remove deletes one credential, or a whole service when key is empty.
func (s *Store) Remove(service, key string) error {
	creds, err := s.Load()
	if err != nil {
		return err
	}
	kv, ok := creds[service]
	if !ok {
		return fmt.Errorf("%w: service %s", ErrNotFound, service)
	}
	if key == "" {
		delete(creds, service)
	} else {
		if _, ok := kv[key]; !ok {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, service, key)
		}
		delete(kv, key)
	}
	return s.save(creds)
}

// List returns service names and the keys stored under each, never values.
func (s *Store) List() (map[string][]string, error) {
	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(creds))
	for service, kv := range creds {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[service] = keys
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
