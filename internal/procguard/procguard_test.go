package procguard

import (
	"context"
	"testing"
	"time"
)

func TestSpawnAndGracefulTerminate(t *testing.T) {
	ctx := context.Background()
	p, err := Spawn(ctx, []string{"sh", "-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if p.Pid() == 0 {
		t.Fatal("expected non-zero pid")
	}
	if !p.TerminateGraceful(0, 2*time.Second) {
		t.Fatal("expected graceful termination within timeout")
	}
}

func TestKillForcefulOnUnresponsiveChild(t *testing.T) {
	ctx := context.Background()
	p, err := Spawn(ctx, []string{"sh", "-c", "trap '' TERM; while true; do sleep 0.05; done"}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !p.Kill(2 * time.Second) {
		t.Fatal("expected forceful kill within timeout")
	}
}

func TestSpawnEmptyArgv(t *testing.T) {
	if _, err := Spawn(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
