package policy

import (
	"sync"
	"time"
)

const defaultWindow = 60 * time.Second

// Occupancy reports the current state of one rate-limit window for the
// status endpoint.
type Occupancy struct {
	Key     string  `json:"key"`
	Current int     `json:"current"`
	Limit   int     `json:"limit"`
	Percent float64 `json:"percent"`
}

// Limiter bounds operation frequency per (category, target) with a sliding
// window. Check-and-record is atomic per key: two concurrent requests at a
// limit of 1 can never both pass. Expired entries are pruned lazily on each
// check; there is no background sweep that could race with it.
type Limiter struct {
	window       time.Duration
	defaultLimit int
	now          func() time.Time

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

// NewLimiter creates a limiter with the given window and default per-minute
// limit for categories that do not configure their own.
func NewLimiter(window time.Duration, defaultLimit int) *Limiter {
	if window <= 0 {
		window = defaultWindow
	}
	if defaultLimit <= 0 {
		defaultLimit = 60
	}
	return &Limiter{
		window:       window,
		defaultLimit: defaultLimit,
		now:          time.Now,
		windows:      make(map[string]*slidingWindow),
	}
}

// Check records the operation and returns true when it is within the limit
// for (category, target). limit <= 0 selects the default limit. On a full
// window Check records nothing and returns false.
func (l *Limiter) Check(category, target string, limit int) bool {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	w := l.windowFor(category+"|"+target, limit)

	now := l.now()
	cutoff := now.Add(-l.window)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = limit
	w.prune(cutoff)
	if len(w.stamps) >= limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// RetryAfter estimates how long until the oldest entry in the window for
// (category, target) expires. Zero when the window is not full.
func (l *Limiter) RetryAfter(category, target string) time.Duration {
	l.mu.Lock()
	w, ok := l.windows[category+"|"+target]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stamps) < w.limit || len(w.stamps) == 0 {
		return 0
	}
	wait := w.stamps[0].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Snapshot returns current occupancy for every active window, pruned to the
// configured window first.
func (l *Limiter) Snapshot() []Occupancy {
	l.mu.Lock()
	keys := make([]string, 0, len(l.windows))
	wins := make([]*slidingWindow, 0, len(l.windows))
	for k, w := range l.windows {
		keys = append(keys, k)
		wins = append(wins, w)
	}
	l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	out := make([]Occupancy, 0, len(keys))
	for i, w := range wins {
		w.mu.Lock()
		w.prune(cutoff)
		current := len(w.stamps)
		limit := w.limit
		w.mu.Unlock()
		if limit <= 0 {
			limit = l.defaultLimit
		}
		out = append(out, Occupancy{
			Key:     keys[i],
			Current: current,
			Limit:   limit,
			Percent: float64(current) / float64(limit) * 100,
		})
	}
	return out
}

func (l *Limiter) windowFor(key string, limit int) *slidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{limit: limit}
		l.windows[key] = w
	}
	return w
}

func (w *slidingWindow) prune(cutoff time.Time) {
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}
