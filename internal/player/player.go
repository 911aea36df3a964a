// Package player implements the client mirror described in spec.md §4.7:
// enough of the /stream protocol, from the client's side, to exercise the
// server end-to-end in tests. It is not a production media player; Sink is
// left container-agnostic on purpose.
package player

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tinycam/internal/cryptosession"
)

// Sink receives decrypted plaintext in delivery order. Append is called
// from the player's single receive goroutine.
type Sink interface {
	Append(plaintext []byte)
}

// Retention selects how a Sink trims old content. The modes mirror
// spec.md §4.7: Grow never trims, Window periodically drops content older
// than now-window.
type Retention int

const (
	RetentionGrow Retention = iota
	RetentionWindow
)

// MemorySink is a simple concurrency-safe Sink used by tests; it also
// implements the retention/first-frame-fallback behavior described in
// spec.md §4.7 so the player package is self-contained for testing.
type MemorySink struct {
	mu        sync.Mutex
	mode      Retention
	window    time.Duration
	chunks    []timedChunk
	paused    bool
	firstSeen bool
}

type timedChunk struct {
	at   time.Time
	data []byte
}

// NewMemorySink constructs a sink with the given retention mode (window is
// ignored unless mode is RetentionWindow).
func NewMemorySink(mode Retention, window time.Duration) *MemorySink {
	return &MemorySink{mode: mode, window: window}
}

// Append stores plaintext, trimming under window retention, and applies the
// first-frame fallback: if the sink was paused, resume after the first
// append (a recovery strategy, not a protocol requirement).
func (m *MemorySink) Append(plaintext []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, timedChunk{at: time.Now(), data: plaintext})
	if m.mode == RetentionWindow {
		cutoff := time.Now().Add(-m.window)
		i := 0
		for i < len(m.chunks) && m.chunks[i].at.Before(cutoff) {
			i++
		}
		m.chunks = m.chunks[i:]
	}
	if !m.firstSeen {
		m.firstSeen = true
		m.paused = false
	}
}

// Pause marks the sink paused, simulating a stalled media element the
// first-frame fallback must recover from.
func (m *MemorySink) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Paused reports whether the sink is currently paused.
func (m *MemorySink) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Bytes concatenates every retained chunk, in delivery order.
func (m *MemorySink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, c := range m.chunks {
		out = append(out, c.data...)
	}
	return out
}

// Client dials /stream, performs the hello/start handshake, and forwards
// decrypted frames to Sink until Close or a protocol failure.
type Client struct {
	conn    *websocket.Conn
	crypto  *cryptosession.Session
	sink    Sink
	connID  string
	exp     int64
	done    chan struct{}
	closeMu sync.Once
}

// Dial connects to wsBaseURL+"/stream" with the given access key and
// lifetime, performs the handshake described in spec.md §6.2, and starts
// the receive loop feeding sink. wsBaseURL must already use the ws(s)://
// scheme.
func Dial(wsBaseURL string, accessKey []byte, lifetime time.Duration, sink Sink) (*Client, error) {
	exp := time.Now().Add(lifetime).Unix()
	expStr := fmt.Sprintf("%d", exp)
	cnonce, err := cryptosession.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	tokenMAC := streamToken(accessKey, expStr)

	q := url.Values{}
	q.Set("token", base64.URLEncoding.EncodeToString(tokenMAC))
	q.Set("exp", expStr)
	q.Set("cnonce", base64.StdEncoding.EncodeToString(cnonce))

	u := strings.TrimSuffix(wsBaseURL, "/") + "/stream?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("player: dial: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("player: reading hello: %w", err)
	}
	var hello struct {
		Type   string `json:"type"`
		SNonce string `json:"snonce"`
		Conn   string `json:"conn"`
		W      int    `json:"w"`
		H      int    `json:"h"`
		FPS    int    `json:"fps"`
		Codec  string `json:"codec"`
		Exp    int64  `json:"exp"`
	}
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "hello" {
		conn.Close()
		return nil, fmt.Errorf("player: malformed hello")
	}

	snonce, err := base64.StdEncoding.DecodeString(hello.SNonce)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("player: malformed snonce: %w", err)
	}
	connIDBytes, err := base64.StdEncoding.DecodeString(hello.Conn)
	if err != nil || len(connIDBytes) != cryptosession.ConnIDSize {
		conn.Close()
		return nil, fmt.Errorf("player: malformed conn id")
	}
	key, err := cryptosession.DeriveKey(accessKey, cnonce, snonce)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var connID [cryptosession.ConnIDSize]byte
	copy(connID[:], connIDBytes)
	aad := []byte(fmt.Sprintf("%s|%d|%s|%dx%d|%d", hello.Conn, hello.Exp, hello.Codec, hello.W, hello.H, hello.FPS))

	start := struct {
		Type string `json:"type"`
		Conn string `json:"conn"`
		Exp  int64  `json:"exp"`
	}{Type: "start", Conn: hello.Conn, Exp: hello.Exp}
	startData, _ := json.Marshal(start)
	if err := conn.WriteMessage(websocket.TextMessage, startData); err != nil {
		conn.Close()
		return nil, fmt.Errorf("player: sending start: %w", err)
	}

	c := &Client{
		conn:   conn,
		crypto: cryptosession.New(key, connID, aad),
		sink:   sink,
		connID: hello.Conn,
		exp:    hello.Exp,
		done:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// streamToken computes HMAC-SHA256("stream:"+exp, access_key), matching
// internal/stream's token check bit-for-bit (spec.md §6.2).
func streamToken(accessKey []byte, expStr string) []byte {
	mac := hmac.New(sha256.New, accessKey)
	mac.Write([]byte("stream:" + expStr))
	return mac.Sum(nil)
}

// receiveLoop enforces the decryption contract from spec.md §4.5 (min
// length, conn-id prefix, strictly-increasing counter, AEAD verify) and
// forwards successfully decrypted plaintext to the sink.
func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		plaintext, err := c.crypto.Decrypt(data)
		if err != nil {
			// ProtocolFailure per spec.md §7: drop the frame and close.
			_ = c.conn.Close()
			return
		}
		c.sink.Append(plaintext)
	}
}

// Done returns a channel closed once the receive loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeMu.Do(func() {
		_ = c.conn.Close()
	})
}
