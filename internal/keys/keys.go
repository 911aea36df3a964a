// Package keys loads, generates and rotates the at-rest PSK material: the
// access key used by the streaming handshake (spec.md §4.5/§6.2) and the
// management key used by the control plane's HMAC (spec.md §6.4).
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Size is the raw byte length of each key.
const Size = 32

// Material holds both PSKs, decoded to raw bytes for use and base64 for
// round-tripping to disk.
type Material struct {
	ManagementKey []byte
	AccessKey     []byte
}

// onDisk is the JSON shape stored at rest, per spec.md §6.3.
type onDisk struct {
	ManagementKey string `json:"managementKey"`
	AccessKey     string `json:"accessKey"`
}

func generate() (*Material, error) {
	mk := make([]byte, Size)
	if _, err := rand.Read(mk); err != nil {
		return nil, fmt.Errorf("keys: generate management key: %w", err)
	}
	ak := make([]byte, Size)
	if _, err := rand.Read(ak); err != nil {
		return nil, fmt.Errorf("keys: generate access key: %w", err)
	}
	return &Material{ManagementKey: mk, AccessKey: ak}, nil
}

func (m *Material) marshal() ([]byte, error) {
	d := onDisk{
		ManagementKey: base64.StdEncoding.EncodeToString(m.ManagementKey),
		AccessKey:     base64.StdEncoding.EncodeToString(m.AccessKey),
	}
	return json.MarshalIndent(d, "", "  ")
}

func unmarshal(data []byte) (*Material, error) {
	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("keys: parse: %w", err)
	}
	mk, err := base64.StdEncoding.DecodeString(d.ManagementKey)
	if err != nil {
		return nil, fmt.Errorf("keys: decode managementKey: %w", err)
	}
	ak, err := base64.StdEncoding.DecodeString(d.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("keys: decode accessKey: %w", err)
	}
	if len(mk) != Size || len(ak) != Size {
		return nil, fmt.Errorf("keys: expected %d-byte keys, got management=%d access=%d", Size, len(mk), len(ak))
	}
	return &Material{ManagementKey: mk, AccessKey: ak}, nil
}

// Load reads path, generating and persisting fresh key material (mode 0600)
// if the file does not exist.
func Load(path string) (*Material, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return unmarshal(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}
	m, genErr := generate()
	if genErr != nil {
		return nil, genErr
	}
	if err := persist(path, m); err != nil {
		return nil, err
	}
	return m, nil
}

func persist(path string, m *Material) error {
	data, err := m.marshal()
	if err != nil {
		return fmt.Errorf("keys: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("keys: write %s: %w", path, err)
	}
	return nil
}

// Store holds the current key material behind a mutex so Rotate can swap it
// out while in-flight handshakes keep reading a consistent snapshot.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Material
}

// NewStore loads (or generates) key material from path and wraps it in a Store.
func NewStore(path string) (*Store, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cur: m}, nil
}

// Current returns the presently active key material.
func (s *Store) Current() *Material {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Rotate generates a fresh access key, persists it alongside the unchanged
// management key, and swaps it in. Already-derived Sessions are unaffected:
// they hold their own session_key copy, not a reference to the Store.
func (s *Store) Rotate() (*Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ak := make([]byte, Size)
	if _, err := rand.Read(ak); err != nil {
		return nil, fmt.Errorf("keys: rotate: generate access key: %w", err)
	}
	next := &Material{ManagementKey: s.cur.ManagementKey, AccessKey: ak}
	if err := persist(s.path, next); err != nil {
		return nil, err
	}
	s.cur = next
	return next, nil
}

// Reload re-reads the key file from disk, replacing the in-memory material.
// Used by the fsnotify watcher when an operator edits the key file directly.
func (s *Store) Reload() error {
	m, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = m
	s.mu.Unlock()
	return nil
}
