package audit

import "sync"

const recentRingSize = 256

// Stream fans finished audit records out to in-process subscribers (the
// operational websocket tap) and keeps a small ring of recent records for
// the status endpoint. Slow subscribers are dropped, never blocked on: the
// decision path must not wait for a tap.
type Stream struct {
	mu     sync.Mutex
	subs   map[chan Record]struct{}
	recent []Record
	next   int
	filled bool
}

func NewStream() *Stream {
	return &Stream{
		subs:   make(map[chan Record]struct{}),
		recent: make([]Record, recentRingSize),
	}
}

// Subscribe registers a buffered channel that receives every published
// record. The returned cancel function removes the subscription.
func (s *Stream) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers rec to every subscriber that can take it immediately and
// appends it to the recent ring.
func (s *Stream) Publish(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.next] = rec
	s.next++
	if s.next == len(s.recent) {
		s.next = 0
		s.filled = true
	}

	for ch := range s.subs {
		select {
		case ch <- rec:
		default:
			// Tap fell behind; drop it rather than stall the publisher.
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Recent returns up to n of the most recent records, oldest first.
func (s *Stream) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.filled {
		size = len(s.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.recent[(start+i)%len(s.recent)])
	}
	return out
}
