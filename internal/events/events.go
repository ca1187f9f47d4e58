package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeListingListed    = "listing.listed"
	TypeListingPurchased = "listing.purchased"
	TypeListingCancelled = "listing.cancelled"
	TypeListingSold      = "listing.sold"
	TypeListingReleased  = "listing.released"
	TypeEscrowFunded     = "escrow.funded"
	TypeEscrowConfirmed  = "escrow.confirmed"
	TypeEscrowRefunded   = "escrow.refunded"
	TypeEscrowDisputed   = "escrow.disputed"
)

// Event is a notification about a committed state change. Seq is assigned by
// the Hub.
type Event struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// New builds an event with a fresh id.
func New(eventType string, at time.Time, attrs map[string]string) Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Time:       at.UTC(),
		Attributes: attrs,
	}
}

// Emitter broadcasts events to downstream observers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each emitter in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// Recorder keeps every emitted event. Useful in tests.
type Recorder struct {
	hub *Hub
}

func NewRecorder() *Recorder { return &Recorder{hub: NewHub(0)} }

func (r *Recorder) Emit(e Event) { r.hub.Emit(e) }

// Events returns everything recorded so far.
func (r *Recorder) Events() []Event { return r.hub.Since(0) }

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	evts := r.Events()
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}
