package logging

import (
	"sync"
	"time"
)

const defaultRingCapacity = 1000

// Entry is a single captured log line.
type Entry struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ringSink keeps the most recent log entries in memory and fans new entries
// out to live subscribers (the SSE log stream).
type ringSink struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	start    int
	count    int
	subs     map[chan Entry]struct{}
}

func newRingSink(capacity int) *ringSink {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &ringSink{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		subs:     make(map[chan Entry]struct{}),
	}
}

func (r *ringSink) append(e Entry) {
	r.mu.Lock()
	idx := (r.start + r.count) % r.capacity
	r.entries[idx] = e
	if r.count < r.capacity {
		r.count++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
	r.mu.Unlock()
}

func (r *ringSink) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%r.capacity])
	}
	return out
}

func (r *ringSink) clear() {
	r.mu.Lock()
	r.start = 0
	r.count = 0
	r.mu.Unlock()
}

func (r *ringSink) subscribe() chan Entry {
	ch := make(chan Entry, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

func (r *ringSink) unsubscribe(ch chan Entry) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// Recent returns the buffered log entries, oldest first.
func Recent() []Entry {
	return ring.snapshot()
}

// ClearBuffer discards all buffered log entries.
func ClearBuffer() {
	ring.clear()
}

// Subscribe registers a live tail of new log entries. The returned channel is
// closed by Unsubscribe.
func Subscribe() chan Entry {
	return ring.subscribe()
}

// Unsubscribe removes a subscription created by Subscribe.
func Unsubscribe(ch chan Entry) {
	ring.unsubscribe(ch)
}
