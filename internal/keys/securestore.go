package keys

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// SecureStore abstracts the platform keystore (Keychain, TPM, keyring). The
// engine never assumes a specific backing store; it only needs to seal and
// open small blobs under a device-bound key it does not hold itself.
type SecureStore interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// DeviceSecureStore seals under a caller-provided device key. Stands in for
// a hardware-backed store on platforms without one, and in tests.
type DeviceSecureStore struct {
	key []byte
}

// NewDeviceSecureStore builds a SecureStore over a 32-byte device key.
func NewDeviceSecureStore(deviceKey []byte) *DeviceSecureStore {
	k := make([]byte, len(deviceKey))
	copy(k, deviceKey)
	return &DeviceSecureStore{key: k}
}

func (s *DeviceSecureStore) Seal(plaintext []byte) ([]byte, error) {
	return SealBytes(s.key, plaintext, []byte("securestore"))
}

func (s *DeviceSecureStore) Open(sealed []byte) ([]byte, error) {
	return OpenBytes(s.key, sealed, []byte("securestore"))
}

// ErrNoEntry reports an absent keystore entry.
var ErrNoEntry = errors.New("keystore entry not found")

// Keystore is the named persistence surface for sealed blobs (the sealed
// identity key, the sealed primary key copy). Values are already sealed
// before they reach it.
type Keystore interface {
	Get(name string) ([]byte, error)
	Set(name string, data []byte) error
	Delete(name string) error
}

// MemoryKeystore keeps sealed blobs in memory. Used in tests and for
// sessions that should leave nothing at rest.
type MemoryKeystore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{entries: make(map[string][]byte)}
}

func (k *MemoryKeystore) Get(name string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	data, ok := k.entries[name]
	if !ok {
		return nil, ErrNoEntry
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (k *MemoryKeystore) Set(name string, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	k.entries[name] = stored
	return nil
}

func (k *MemoryKeystore) Delete(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, name)
	return nil
}

// FileKeystore persists sealed blobs as files under a directory, 0600.
type FileKeystore struct {
	dir string
}

func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileKeystore{dir: dir}, nil
}

func (k *FileKeystore) path(name string) string {
	return filepath.Join(k.dir, name+".sealed")
}

func (k *FileKeystore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(k.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoEntry
	}
	return data, err
}

func (k *FileKeystore) Set(name string, data []byte) error {
	return os.WriteFile(k.path(name), data, 0o600)
}

func (k *FileKeystore) Delete(name string) error {
	err := os.Remove(k.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
