// Package stream implements the /stream WebSocket endpoint: the PreAccept
// auth check, the hello/start handshake, preroll replay of the encoder's
// init segment, and live fan-out of encrypted frames, per spec.md §4.6.
// Grounded on the teacher's server/main.go wsHandler register/write-pump/
// read-pump pattern, generalized from a JSON-only hub client to a binary
// AEAD-framed session with its own state machine and timeouts.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tinycam/internal/broadcast"
	"tinycam/internal/config"
	"tinycam/internal/cryptosession"
	"tinycam/internal/initcache"
	"tinycam/internal/keys"
)

const (
	preRollSliceSize = 64 * 1024
	keepAlivePeriod  = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// State names one position in the §4.6 state machine.
type State int

const (
	PreAccept State = iota
	Accepted
	AwaitStart
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case PreAccept:
		return "pre_accept"
	case Accepted:
		return "accepted"
	case AwaitStart:
		return "await_start"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamParams describes the live media shape advertised in hello and bound
// into the AEAD associated data.
type StreamParams struct {
	Width  int
	Height int
	FPS    int
	Codec  string
}

// Server serves /stream, wiring each accepted session to a shared
// InitCache, Broadcaster and key Store.
type Server struct {
	Keys      *keys.Store
	Cache     *initcache.Cache
	Broadcast *broadcast.Broadcaster
	Timeouts  config.TimeoutConfig
	Queue     config.QueueConfig
	Params    func() StreamParams

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewServer constructs a Server ready to register on a mux at "/stream".
func NewServer(ks *keys.Store, cache *initcache.Cache, bc *broadcast.Broadcaster, timeouts config.TimeoutConfig, queue config.QueueConfig, params func() StreamParams) *Server {
	return &Server{Keys: ks, Cache: cache, Broadcast: bc, Timeouts: timeouts, Queue: queue, Params: params, sessions: make(map[*session]struct{})}
}

// helloMsg is the single server->client text frame sent on Accepted, §6.2.
type helloMsg struct {
	Type   string `json:"type"`
	SNonce string `json:"snonce"`
	Conn   string `json:"conn"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	FPS    int    `json:"fps"`
	Codec  string `json:"codec"`
	Exp    int64  `json:"exp"`
}

// startMsg is the expected client->server text frame on AwaitStart, §6.2.
type startMsg struct {
	Type string `json:"type"`
	Conn string `json:"conn,omitempty"`
	Exp  int64  `json:"exp,omitempty"`
}

// session holds one accepted connection's state machine.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	state  State
	stateM sync.Mutex

	auth   *queryAuth
	params StreamParams

	connID [cryptosession.ConnIDSize]byte
	snonce []byte
	aad    []byte
	crypto *cryptosession.Session

	subID  uint64
	recv   func() ([]byte, bool)
	outbox chan []byte

	closeOnce sync.Once
	closeCode int
	closeText string
}

// ServeHTTP implements PreAccept: validate query params before ever
// upgrading, so an auth failure never leaks a hello frame.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	auth, err := verifyQuery(srv.Keys.Current().AccessKey, q.Get("token"), q.Get("exp"), q.Get("cnonce"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: upgrade error: %v", err)
		return
	}

	s := &session{
		srv:    srv,
		conn:   conn,
		state:  PreAccept,
		auth:   auth,
		params: srv.Params(),
		outbox: make(chan []byte, srv.Queue.Capacity),
	}
	srv.track(s)
	go s.run()
}

func (srv *Server) track(s *session) {
	srv.mu.Lock()
	srv.sessions[s] = struct{}{}
	srv.mu.Unlock()
}

func (srv *Server) untrack(s *session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
}

// CloseAll closes every live session with the server-shutting-down code,
// used during graceful shutdown (spec.md §5).
func (srv *Server) CloseAll() {
	srv.mu.Lock()
	snap := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		snap = append(snap, s)
	}
	srv.mu.Unlock()
	for _, s := range snap {
		s.triggerClose(websocket.CloseTryAgainLater, "server shutting down")
	}
}

func (s *session) setState(st State) {
	s.stateM.Lock()
	s.state = st
	s.stateM.Unlock()
}

func (s *session) run() {
	defer s.srv.untrack(s)
	defer s.conn.Close()

	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go s.handshakeWatchdog(handshakeDone)

	if !s.enterAccepted() {
		return
	}
	if !s.awaitStart() {
		return
	}
	s.stream()
}

// handshakeWatchdog closes the session if it is still in PreAccept or
// Accepted (hello not yet sent) when the configured handshake deadline
// passes, per spec.md §5 ("a bounded handshake deadline closes sessions
// stuck before hello"). AwaitStart is bounded by start_timeout instead.
func (s *session) handshakeWatchdog(done chan struct{}) {
	deadline := s.srv.Timeouts.HandshakeDeadlineDur
	select {
	case <-done:
		return
	case <-time.After(deadline):
	}
	s.stateM.Lock()
	stuck := s.state == PreAccept || s.state == Accepted
	s.stateM.Unlock()
	if stuck {
		s.triggerClose(websocket.CloseInternalServerErr, "handshake deadline exceeded")
	}
}

// enterAccepted derives the Session crypto, builds hello, and sends it.
func (s *session) enterAccepted() bool {
	s.setState(Accepted)
	snonce, err := cryptosession.RandomBytes(16)
	if err != nil {
		s.triggerClose(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	connIDBytes, err := cryptosession.RandomBytes(cryptosession.ConnIDSize)
	if err != nil {
		s.triggerClose(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	copy(s.connID[:], connIDBytes)
	s.snonce = snonce

	key, err := cryptosession.DeriveKey(s.srv.Keys.Current().AccessKey, s.auth.cnonce, s.snonce)
	if err != nil {
		s.triggerClose(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	connB64 := base64.StdEncoding.EncodeToString(s.connID[:])
	s.aad = []byte(fmt.Sprintf("%s|%d|%s|%dx%d|%d", connB64, s.auth.exp, s.params.Codec, s.params.Width, s.params.Height, s.params.FPS))
	s.crypto = cryptosession.New(key, s.connID, s.aad)

	hello := helloMsg{
		Type:   "hello",
		SNonce: base64.StdEncoding.EncodeToString(s.snonce),
		Conn:   connB64,
		W:      s.params.Width,
		H:      s.params.Height,
		FPS:    s.params.FPS,
		Codec:  s.params.Codec,
		Exp:    s.auth.exp,
	}
	data, err := json.Marshal(hello)
	if err != nil {
		s.triggerClose(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	s.setState(AwaitStart)
	return true
}

// awaitStart reads exactly one text frame within start_timeout and
// validates it per §4.6.
func (s *session) awaitStart() bool {
	timeout := s.srv.Timeouts.StartTimeoutDur
	_ = s.conn.SetReadDeadline(timeAfter(timeout))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.triggerClose(websocket.ClosePolicyViolation, "handshake timeout")
		return false
	}
	var msg startMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.triggerClose(websocket.ClosePolicyViolation, "malformed start")
		return false
	}
	switch msg.Type {
	case "start", "request", "ready":
	default:
		s.triggerClose(websocket.ClosePolicyViolation, "unexpected message type")
		return false
	}
	connB64 := base64.StdEncoding.EncodeToString(s.connID[:])
	if msg.Conn != "" && msg.Conn != connB64 {
		s.triggerClose(websocket.ClosePolicyViolation, "conn mismatch")
		return false
	}
	if msg.Exp != 0 && msg.Exp != s.auth.exp {
		s.triggerClose(websocket.ClosePolicyViolation, "exp mismatch")
		return false
	}
	s.setState(Streaming)
	return true
}

// stream runs preroll replay, subscribes to the broadcaster, and starts the
// writer/receiver goroutines for the lifetime of the session.
func (s *session) stream() {
	_ = s.conn.SetReadDeadline(timeNever())

	if snap := s.srv.Cache.Snapshot(); len(snap) > 0 {
		for off := 0; off < len(snap); off += preRollSliceSize {
			end := off + preRollSliceSize
			if end > len(snap) {
				end = len(snap)
			}
			s.enqueue(snap[off:end])
		}
	}

	s.subID, s.recv = s.srv.Broadcast.Subscribe()

	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for {
			chunk, ok := s.recv()
			if !ok {
				return
			}
			s.enqueue(chunk)
		}
	}()

	s.receiveLoop()

	s.srv.Broadcast.Unsubscribe(s.subID)
	close(s.outbox)
	<-writerDone
	<-feedDone
}

func (s *session) enqueue(plaintext []byte) {
	rec, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		log.Printf("stream: encrypt error: %v", err)
		return
	}
	select {
	case s.outbox <- rec:
	default:
		// Outbound queue full: drop oldest to make room, matching the
		// per-subscriber policy in spec.md §4.4/§4.6.
		select {
		case <-s.outbox:
		default:
		}
		select {
		case s.outbox <- rec:
		default:
		}
	}
}

func (s *session) writeLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-s.outbox:
			if !ok {
				s.sendClose()
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, timeAfter(5*time.Second))
		}
	}
}

// receiveLoop resets the inactivity timer on every inbound frame and closes
// with policy-violation once it expires, per §4.6.
func (s *session) receiveLoop() {
	timeout := s.srv.Timeouts.InactivityTimeoutDur
	for {
		_ = s.conn.SetReadDeadline(timeAfter(timeout))
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setCloseCode(websocket.CloseNormalClosure, "client closed")
			} else {
				s.setCloseCode(websocket.ClosePolicyViolation, "inactivity timeout")
			}
			return
		}
		// any other inbound frame just resets the deadline above
	}
}

func (s *session) setCloseCode(code int, text string) {
	s.stateM.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeText = text
	}
	s.stateM.Unlock()
}

// triggerClose transitions to Closing/Closed, attempts a polite close frame,
// then closes the underlying connection so any goroutine blocked in
// ReadMessage unblocks immediately. Used both for PreAccept/handshake
// failures that never reach stream() and for external shutdown via CloseAll.
func (s *session) triggerClose(code int, text string) {
	s.closeOnce.Do(func() {
		s.setState(Closing)
		deadline := timeAfter(time.Second)
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		s.setState(Closed)
	})
}

func (s *session) sendClose() {
	s.stateM.Lock()
	code, text := s.closeCode, s.closeText
	s.stateM.Unlock()
	if code == 0 {
		code, text = websocket.CloseNormalClosure, "closing"
	}
	s.triggerClose(code, text)
}

func timeAfter(d time.Duration) time.Time { return time.Now().Add(d) }

// timeNever clears a read deadline (the zero Time disables it).
func timeNever() time.Time { return time.Time{} }
