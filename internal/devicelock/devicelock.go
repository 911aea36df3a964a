// Package devicelock provides the named, system-wide cross-process lock
// described in spec.md §5 ("Device arbitration"): a lock file whose name is
// derived from the configured device identifier, so two server instances
// can never open the same camera concurrently.
package devicelock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// lockName returns "tinycam-<16 hex chars of sha256(deviceID)>.lock".
func lockName(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return "tinycam-" + hex.EncodeToString(sum[:])[:16] + ".lock"
}

// Lock represents a held device lock. Release is idempotent.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the advisory lock for deviceID, or fails with ResourceFailure
// semantics (spec.md §7) if another instance already holds it. The lock path
// lives under os.TempDir so unrelated worker instances on the same host
// contend for the same file regardless of working directory.
func Acquire(deviceID string) (*Lock, error) {
	path := filepath.Join(os.TempDir(), lockName(deviceID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("devicelock: open %s: %w", path, err)
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("devicelock: device %q already in use: %w", deviceID, err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := funlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
