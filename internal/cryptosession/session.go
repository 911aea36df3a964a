// Package cryptosession implements the per-connection handshake and
// per-frame authenticated encryption described in spec.md §4.5: an
// HKDF-SHA256 key derivation over a pre-shared access key and both
// endpoints' nonces, followed by AES-GCM frames nonced with a fixed
// connection id and a strictly monotonic counter.
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the derived AES-128-GCM session key length.
	KeySize = 32
	// ConnIDSize is the length of the server-chosen connection id.
	ConnIDSize = 4
	// NonceSize is conn_id (4) || counter (8).
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// MinRecordSize is nonce+tag with zero-length ciphertext.
	MinRecordSize = NonceSize + TagSize

	hkdfInfo = "tinycam hkdf v1"
)

// DeriveKey computes session_key = HKDF-SHA256(psk, cnonce||snonce, info, 32).
func DeriveKey(psk, cnonce, snonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(cnonce)+len(snonce))
	salt = append(salt, cnonce...)
	salt = append(salt, snonce...)
	r := hkdf.New(sha256.New, psk, salt, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cryptosession: hkdf expand: %w", err)
	}
	return key, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptosession: rand: %w", err)
	}
	return b, nil
}

// Session holds one connection's derived key, connection id, AAD and the
// strictly-increasing send/receive counters. The same struct mirrors both
// the server (encrypt) and the client/Player (decrypt) roles; each side
// uses only the operations it needs.
type Session struct {
	key    []byte // 32-byte AES-128-GCM key (AES-128 uses the low 16 bytes; see aead)
	connID [ConnIDSize]byte
	aad    []byte

	sendCounter uint64 // incremented before use; atomic for safety if ever called concurrently
	recvPrev    int64  // -1 until first frame accepted
}

// New constructs a Session for a fixed key/connID/aad. recvPrev starts at -1
// so any non-negative first counter is accepted, per spec.md §4.5.
func New(key []byte, connID [ConnIDSize]byte, aad []byte) *Session {
	return &Session{key: key, connID: connID, aad: aad, recvPrev: -1}
}

func (s *Session) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:16])
	if err != nil {
		return nil, fmt.Errorf("cryptosession: aes cipher: %w", err)
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

// Encrypt increments the counter, builds the nonce, and returns the wire
// record nonce(12) || tag(16) || ciphertext. The first call uses counter=1.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	counter := atomic.AddUint64(&s.sendCounter, 1)
	nonce := s.buildNonce(counter)

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	// GCM's Seal appends ciphertext||tag to dst; reorder into nonce||tag||ciphertext.
	sealed := aead.Seal(nil, nonce, plaintext, s.aad)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func (s *Session) buildNonce(counter uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce[:ConnIDSize], s.connID[:])
	binary.BigEndian.PutUint64(nonce[ConnIDSize:], counter)
	return nonce
}

// Decrypt validates record layout, nonce conn-id prefix and strictly
// increasing counter (spec.md §4.5/§8 invariants 1-3), then verifies and
// decrypts under the fixed AAD. On any failure it returns an error and the
// caller must drop the record without advancing state.
func (s *Session) Decrypt(record []byte) ([]byte, error) {
	if len(record) < MinRecordSize {
		return nil, fmt.Errorf("cryptosession: record too short (%d < %d)", len(record), MinRecordSize)
	}
	nonce := record[:NonceSize]
	tag := record[NonceSize:MinRecordSize]
	ct := record[MinRecordSize:]

	if [ConnIDSize]byte(nonce[:ConnIDSize]) != s.connID {
		return nil, fmt.Errorf("cryptosession: nonce conn-id mismatch")
	}
	counter := binary.BigEndian.Uint64(nonce[ConnIDSize:])
	if int64(counter) <= s.recvPrev {
		return nil, fmt.Errorf("cryptosession: non-increasing counter %d (prev %d)", counter, s.recvPrev)
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, s.aad)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: authentication failed: %w", err)
	}

	s.recvPrev = int64(counter)
	return plaintext, nil
}

// ConnID returns the session's 4-byte connection id.
func (s *Session) ConnID() [ConnIDSize]byte { return s.connID }

