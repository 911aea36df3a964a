// Package encoder supervises the external encoder child, resetting the
// InitCache on each run and handing every stdout chunk to both the
// InitCache and the Broadcaster, per spec.md §4.2. Grounded on the
// teacher's dvr.runLoop restart/backoff pattern, generalized from a fixed
// ffmpeg recording invocation to the spec's configurable container choice
// and graceful/forceful shutdown via procguard.
package encoder

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tinycam/internal/broadcast"
	"tinycam/internal/config"
	"tinycam/internal/initcache"
	"tinycam/internal/procguard"
)

const (
	chunkSize        = 64 * 1024
	quitChar         = 'q' // ffmpeg's interactive quit key, per SPEC_FULL.md §6.1
	gracefulTimeout  = 3 * time.Second
	killTimeout      = 2 * time.Second
	backoffUserStop  = 200 * time.Millisecond
	backoffCrash     = 3 * time.Second
)

// Supervisor runs the perpetual spawn/read/restart loop for one encoder.
type Supervisor struct {
	cfg        config.EncoderConfig
	cache      *initcache.Cache
	broadcast  *broadcast.Broadcaster
	currentPid atomic.Int64
	spawnCount atomic.Int64

	mu      sync.Mutex // gates start/stop lifetime, per spec.md §5
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	userStopped atomic.Bool
}

// New wires a Supervisor to the InitCache/Broadcaster it feeds. The cache's
// container parser is fixed by the caller when it constructs the cache.
func New(cfg config.EncoderConfig, cache *initcache.Cache, bc *broadcast.Broadcaster) *Supervisor {
	return &Supervisor{cfg: cfg, cache: cache, broadcast: bc}
}

// CurrentPid returns the running child's pid, or 0 if none is alive.
func (s *Supervisor) CurrentPid() int {
	return int(s.currentPid.Load())
}

// SpawnCount returns the number of times this supervisor has started the
// encoder child, including the very first start. Used to derive the
// ambient encoder-restart metric (SPEC_FULL.md §4.12).
func (s *Supervisor) SpawnCount() int64 {
	return s.spawnCount.Load()
}

// Start launches the supervisor loop in the background. Idempotent: a
// second Start before Stop is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.userStopped.Store(false)
	go s.loop(ctx, s.done)
}

// Stop performs graceful-then-forced termination of the current child and
// awaits the read loop's exit. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.userStopped.Store(true)
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart() {
	s.Stop()
	s.Start()
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		s.cache.Reset()

		argv := buildArgv(s.cfg)
		log.Printf("encoder: starting: %s", describeArgv(argv))
		proc, err := procguard.Spawn(ctx, argv, nil)
		if err != nil {
			log.Printf("encoder: spawn failed: %v", err)
			if !s.sleepBackoff(ctx, backoffCrash) {
				return
			}
			continue
		}
		s.currentPid.Store(int64(proc.Pid()))
		s.spawnCount.Add(1)

		s.readLoop(ctx, proc)

		s.currentPid.Store(0)
		userInitiated := s.userStopped.Load()
		if ctx.Err() != nil {
			return
		}
		backoff := backoffCrash
		if userInitiated {
			backoff = backoffUserStop
		}
		if !s.sleepBackoff(ctx, backoff) {
			return
		}
	}
}

// readLoop reads stdout in fixed-size chunks, feeding each to InitCache
// then Broadcaster, until EOF, ctx cancellation, or process exit.
func (s *Supervisor) readLoop(ctx context.Context, proc *procguard.Process) {
	exitCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if !proc.TerminateGraceful(quitChar, gracefulTimeout) {
				proc.Kill(killTimeout)
			}
		case <-exitCh:
		}
	}()
	defer close(exitCh)

	buf := make([]byte, chunkSize)
	for {
		n, err := proc.Stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.cache.Feed(chunk)
			s.broadcast.Broadcast(chunk)
		}
		if err != nil {
			break
		}
	}
	proc.Wait()
}

func (s *Supervisor) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
