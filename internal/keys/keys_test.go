package keys

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.AccessKey) != Size || len(m.ManagementKey) != Size {
		t.Fatalf("expected %d-byte keys, got access=%d management=%d", Size, len(m.AccessKey), len(m.ManagementKey))
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.AccessKey, again.AccessKey) || !bytes.Equal(m.ManagementKey, again.ManagementKey) {
		t.Fatal("expected second Load to return the persisted keys, not regenerate")
	}
}

// TestRotatePreservesManagementKey covers testable property 9.
func TestRotatePreservesManagementKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	before := store.Current()
	rotated, err := store.Rotate()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before.ManagementKey, rotated.ManagementKey) {
		t.Fatal("expected management key to survive rotation")
	}
	if bytes.Equal(before.AccessKey, rotated.AccessKey) {
		t.Fatal("expected access key to change on rotation")
	}
	if !bytes.Equal(store.Current().AccessKey, rotated.AccessKey) {
		t.Fatal("expected Store.Current to reflect the rotated key")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	if err := os.WriteFile(path, []byte(`not json`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error loading malformed key file")
	}
}
