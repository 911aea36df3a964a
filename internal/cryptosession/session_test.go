package cryptosession

import (
	"bytes"
	"testing"
)

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := RandomBytes(n)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	return b
}

// TestHKDFDeterminism covers testable property 4.
func TestHKDFDeterminism(t *testing.T) {
	psk := mustRandom(t, 32)
	cnonce := mustRandom(t, 16)
	snonce := mustRandom(t, 16)

	k1, err := DeriveKey(psk, cnonce, snonce)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey(psk, cnonce, snonce)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected identical derived keys for identical inputs")
	}

	k3, _ := DeriveKey(psk, mustRandom(t, 16), snonce)
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different keys for different cnonce")
	}
}

func newTestSession(t *testing.T) (*Session, []byte, [ConnIDSize]byte, []byte) {
	t.Helper()
	psk := mustRandom(t, 32)
	cnonce := mustRandom(t, 16)
	snonce := mustRandom(t, 16)
	key, err := DeriveKey(psk, cnonce, snonce)
	if err != nil {
		t.Fatal(err)
	}
	var connID [ConnIDSize]byte
	copy(connID[:], mustRandom(t, ConnIDSize))
	aad := []byte("conn|exp|h264|1280x720|30")
	return New(key, connID, aad), key, connID, aad
}

// TestAEADRoundTrip covers testable property 3.
func TestAEADRoundTrip(t *testing.T) {
	enc, key, connID, aad := newTestSession(t)
	dec := New(key, connID, aad)

	plaintext := []byte("hello live chunk")
	record, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Decrypt(record)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestAEADTamperDetection(t *testing.T) {
	enc, key, connID, aad := newTestSession(t)

	record, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"nonce":      flipBit(record, 0),
		"tag":        flipBit(record, NonceSize),
		"ciphertext": flipBit(record, MinRecordSize),
	}
	for name, tampered := range cases {
		dec := New(key, connID, aad)
		if _, err := dec.Decrypt(tampered); err == nil {
			t.Fatalf("%s: expected decryption failure on tampered record", name)
		}
	}

	// Tampered AAD: different session instance with different aad.
	dec := New(key, connID, append(append([]byte{}, aad...), 'x'))
	if _, err := dec.Decrypt(record); err == nil {
		t.Fatal("expected decryption failure on mismatched aad")
	}
}

func flipBit(b []byte, pos int) []byte {
	out := append([]byte{}, b...)
	if pos < len(out) {
		out[pos] ^= 0xFF
	}
	return out
}

// TestMonotonicCounters covers testable property 1: counters start at 1 and strictly increase.
func TestMonotonicCounters(t *testing.T) {
	enc, key, connID, aad := newTestSession(t)
	dec := New(key, connID, aad)

	var prev int64 = 0
	for i := 0; i < 5; i++ {
		record, err := enc.Encrypt([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		counter := int64(record[4])<<56 | int64(record[5])<<48 | int64(record[6])<<40 | int64(record[7])<<32 |
			int64(record[8])<<24 | int64(record[9])<<16 | int64(record[10])<<8 | int64(record[11])
		if i == 0 && counter != 1 {
			t.Fatalf("first frame counter = %d, want 1", counter)
		}
		if counter <= prev {
			t.Fatalf("counter did not increase: prev=%d got=%d", prev, counter)
		}
		prev = counter
		if _, err := dec.Decrypt(record); err != nil {
			t.Fatalf("decrypt frame %d: %v", i, err)
		}
	}
}

// TestNoncePrefix covers testable property 2.
func TestNoncePrefix(t *testing.T) {
	enc, _, connID, _ := newTestSession(t)
	record, err := enc.Encrypt([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(record[:ConnIDSize], connID[:]) {
		t.Fatalf("nonce prefix = % X, want % X", record[:ConnIDSize], connID[:])
	}
}

// TestReplayRejected covers scenario S5: feeding the same record twice rejects the second.
func TestReplayRejected(t *testing.T) {
	enc, key, connID, aad := newTestSession(t)
	dec := New(key, connID, aad)

	record, err := enc.Encrypt([]byte("once"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decrypt(record); err != nil {
		t.Fatalf("first decrypt should succeed: %v", err)
	}
	if _, err := dec.Decrypt(record); err == nil {
		t.Fatal("expected second (replayed) decrypt to fail")
	}
}

func TestRecordTooShortRejected(t *testing.T) {
	_, key, connID, aad := newTestSession(t)
	dec := New(key, connID, aad)
	if _, err := dec.Decrypt(make([]byte, MinRecordSize-1)); err == nil {
		t.Fatal("expected rejection of short record")
	}
}

func TestWrongConnIDRejected(t *testing.T) {
	enc, key, connID, aad := newTestSession(t)
	record, err := enc.Encrypt([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	var otherConnID [ConnIDSize]byte
	copy(otherConnID[:], mustRandom(t, ConnIDSize))
	dec := New(key, otherConnID, aad)
	_ = connID
	if _, err := dec.Decrypt(record); err == nil {
		t.Fatal("expected rejection due to conn-id mismatch")
	}
}
