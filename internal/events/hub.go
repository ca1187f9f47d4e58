package events

import "sync"

const defaultSubscriberBuffer = 64

// Hub assigns sequence numbers, keeps a bounded backlog and fans events out
// to live subscribers. A subscriber that cannot keep up is dropped.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	backlog []Event
	limit   int
	subs    map[*subscription]struct{}
}

type subscription struct {
	ch chan Event
}

// NewHub returns a hub keeping at most limit events of backlog. A limit of 0
// keeps everything.
func NewHub(limit int) *Hub {
	return &Hub{
		limit: limit,
		subs:  make(map[*subscription]struct{}),
	}
}

func (h *Hub) Emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq
	h.backlog = append(h.backlog, e)
	if h.limit > 0 && len(h.backlog) > h.limit {
		h.backlog = append([]Event(nil), h.backlog[len(h.backlog)-h.limit:]...)
	}
	for sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Since returns the retained events with Seq greater than cursor.
func (h *Hub) Since(cursor uint64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.since(cursor)
}

func (h *Hub) since(cursor uint64) []Event {
	out := make([]Event, 0)
	for _, e := range h.backlog {
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns the backlog after cursor and a channel of later events.
// The channel is closed when cancel is called or the subscriber falls behind.
func (h *Hub) Subscribe(cursor uint64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscription{ch: make(chan Event, defaultSubscriberBuffer)}
	h.subs[sub] = struct{}{}
	backlog := h.since(cursor)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
	return backlog, sub.ch, cancel
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
