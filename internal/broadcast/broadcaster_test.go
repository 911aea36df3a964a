package broadcast

import (
	"fmt"
	"testing"
)

// TestDropOldest covers testable property 7: producing k+m items without a
// consumer leaves exactly the last k items, in order.
func TestDropOldest(t *testing.T) {
	b := New(4)
	id, recv := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < 4+3; i++ {
		b.Broadcast([]byte(fmt.Sprintf("chunk-%d", i)))
	}

	var got []string
	for i := 0; i < 4; i++ {
		item, ok := recv()
		if !ok {
			t.Fatalf("unexpected close at item %d", i)
		}
		got = append(got, string(item))
	}
	want := []string{"chunk-3", "chunk-4", "chunk-5", "chunk-6"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %q, want %q (got=%v)", i, got[i], want[i], got)
		}
	}
	if d := b.DroppedCount(id); d != 3 {
		t.Fatalf("dropped count = %d, want 3", d)
	}
}

// TestFanOutIndependence covers testable property 8: a slow subscriber's
// drops do not affect another subscriber's delivered count.
func TestFanOutIndependence(t *testing.T) {
	b := New(2)
	slowID, slowRecv := b.Subscribe()
	fastID, fastRecv := b.Subscribe()
	defer b.Unsubscribe(slowID)
	defer b.Unsubscribe(fastID)

	done := make(chan struct{})
	received := make(chan struct{})
	var fastReceived []string
	go func() {
		for i := 0; i < 10; i++ {
			item, ok := fastRecv()
			if !ok {
				break
			}
			fastReceived = append(fastReceived, string(item))
			received <- struct{}{}
		}
		close(done)
	}()

	// The fast subscriber takes each chunk before the next is broadcast; the
	// slow one never reads during the loop.
	for i := 0; i < 10; i++ {
		b.Broadcast([]byte(fmt.Sprintf("chunk-%d", i)))
		<-received
	}
	<-done

	if len(fastReceived) != 10 {
		t.Fatalf("fast subscriber got %d items, want 10 (no drops expected when consumed promptly)", len(fastReceived))
	}
	if d := b.DroppedCount(slowID); d == 0 {
		t.Fatal("expected slow subscriber to have dropped entries")
	}
	// Draining the slow subscriber afterward must still work and must not
	// have been affected by the fast subscriber's independent consumption.
	item, ok := slowRecv()
	if !ok || len(item) == 0 {
		t.Fatalf("slow subscriber should still have its last 2 buffered items, got %q ok=%v", item, ok)
	}
}

func TestUnsubscribeUnblocksPendingReceive(t *testing.T) {
	b := New(4)
	id, recv := b.Subscribe()
	done := make(chan bool, 1)
	go func() {
		_, ok := recv()
		done <- ok
	}()
	b.Unsubscribe(id)
	if ok := <-done; ok {
		t.Fatal("expected recv to return ok=false after unsubscribe with nothing buffered")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New(4)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	id1, _ := b.Subscribe()
	id2, _ := b.Subscribe()
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(id1)
	b.Unsubscribe(id2)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestCapacityClamped(t *testing.T) {
	b := New(1)
	if b.capacity != DefaultCapacity && b.capacity != 1 {
		t.Fatalf("unexpected capacity %d", b.capacity)
	}
	// Capacity below MinCapacity is clamped at subscriber creation time.
	_, recv := b.Subscribe()
	b.Broadcast([]byte("a"))
	b.Broadcast([]byte("b"))
	b.Broadcast([]byte("c"))
	// With the queue clamped to MinCapacity (2), "a" is dropped and "b" is
	// the oldest item still buffered.
	item, _ := recv()
	if string(item) != "b" {
		t.Fatalf("expected oldest buffered item %q after clamping to MinCapacity, got %q", "b", item)
	}
}
