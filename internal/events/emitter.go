package events

import (
	"sync"
)

// DefaultBufferSize is how many events a session keeps for replay.
const DefaultBufferSize = 5000

// subscriberBuffer is how many undelivered events a live subscriber may hold.
// Its channel has one more slot, reserved for the exit event.
const subscriberBuffer = 1024

type subscriber struct {
	ch chan *Event
	// lagging is set once the subscriber overflowed; it then only gets the
	// exit event.
	lagging bool
}

// Emitter is a bounded circular event buffer with live fan-out. Publish
// order is the order every subscriber observes.
type Emitter struct {
	mu       sync.Mutex
	ring     []*Event
	start    int
	count    int
	nextSeq  uint64
	subs     map[int]*subscriber
	nextSub  int
	detached bool
}

// NewEmitter creates an emitter keeping the last size events.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Emitter{
		ring: make([]*Event, size),
		subs: make(map[int]*subscriber),
	}
}

// Publish appends e to the buffer and delivers it to live subscribers.
// Events published after Detach are dropped.
func (em *Emitter) Publish(e *Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.detached {
		return
	}
	em.nextSeq++
	e.Seq = em.nextSeq
	idx := (em.start + em.count) % len(em.ring)
	if em.count == len(em.ring) {
		em.ring[em.start] = e
		em.start = (em.start + 1) % len(em.ring)
	} else {
		em.ring[idx] = e
		em.count++
	}
	terminal := e.Type.IsTerminal()
	for id, sub := range em.subs {
		switch {
		case terminal:
			// The reserved slot guarantees room.
			sub.ch <- e
			close(sub.ch)
			delete(em.subs, id)
		case sub.lagging:
		case len(sub.ch) >= subscriberBuffer:
			sub.lagging = true
		default:
			sub.ch <- e
		}
	}
}

// Snapshot returns the buffered events, oldest first.
func (em *Emitter) Snapshot() []*Event {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.snapshotLocked()
}

func (em *Emitter) snapshotLocked() []*Event {
	out := make([]*Event, 0, em.count)
	for i := 0; i < em.count; i++ {
		out = append(out, em.ring[(em.start+i)%len(em.ring)])
	}
	return out
}

// Subscribe returns the buffered events plus a channel of later ones. The
// channel is closed after the exit event or when the emitter detaches.
// cancel stops delivery.
//
// A subscriber that falls more than subscriberBuffer events behind misses
// the events published before the exit event; Seq shows the gap. The exit
// event is always delivered.
func (em *Emitter) Subscribe() (replay []*Event, live <-chan *Event, cancel func()) {
	em.mu.Lock()
	defer em.mu.Unlock()
	replay = em.snapshotLocked()
	ch := make(chan *Event, subscriberBuffer+1)
	if em.detached {
		close(ch)
		return replay, ch, func() {}
	}
	id := em.nextSub
	em.nextSub++
	em.subs[id] = &subscriber{ch: ch}
	var once sync.Once
	return replay, ch, func() {
		once.Do(func() {
			em.mu.Lock()
			defer em.mu.Unlock()
			if sub, ok := em.subs[id]; ok {
				close(sub.ch)
				delete(em.subs, id)
			}
		})
	}
}

// Detach closes every subscriber channel; the buffer stays readable.
func (em *Emitter) Detach() {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.detached {
		return
	}
	em.detached = true
	for id, sub := range em.subs {
		close(sub.ch)
		delete(em.subs, id)
	}
}

// Len is the number of buffered events.
func (em *Emitter) Len() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.count
}
