package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// stallingWriter blocks every write until unblock is closed.
type stallingWriter struct {
	unblock chan struct{}

	mu      sync.Mutex
	written []kafka.Message
	closed  bool
}

func (w *stallingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	select {
	case <-w.unblock:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	return nil
}

func (w *stallingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaEmitDoesNotWaitForBroker(t *testing.T) {
	w := &stallingWriter{unblock: make(chan struct{})}
	k := newKafkaEmitter(w, 8, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		k.Emit(New(TypeEscrowConfirmed, time.Now(), map[string]string{"listingId": "7"}))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Emit blocked on the broker for %s", elapsed)
	}

	close(w.unblock)
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.written) != 3 {
		t.Fatalf("expected 3 messages drained on close, got %d", len(w.written))
	}
	if !w.closed {
		t.Fatalf("writer was not closed")
	}
	if string(w.written[0].Key) != "7" {
		t.Fatalf("expected listing id key, got %q", w.written[0].Key)
	}
	var e Event
	if err := json.Unmarshal(w.written[0].Value, &e); err != nil || e.Type != TypeEscrowConfirmed {
		t.Fatalf("unexpected payload %s (%v)", w.written[0].Value, err)
	}
}

func TestKafkaEmitDropsWhenQueueIsFull(t *testing.T) {
	w := &stallingWriter{unblock: make(chan struct{})}
	k := newKafkaEmitter(w, 1, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			k.Emit(New(TypeListingListed, time.Now(), nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked with a full queue")
	}

	close(w.unblock)
	_ = k.Close()
	k.Emit(New(TypeListingListed, time.Now(), nil))
}
