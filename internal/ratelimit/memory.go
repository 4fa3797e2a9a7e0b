package ratelimit

import (
	"sync"
	"time"
)

// memoryStore is the single-process fallback used when Redis is unreachable.
// Semantics match the Lua scripts; consistency across replicas is degraded
// but the admission path stays available.
type memoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	dedupes map[string]*dedupeRecord
	cfg     Config
	done    chan struct{}
}

type window struct {
	count int
	start time.Time
}

type dedupeRecord struct {
	hash uint32
	ts   time.Time
}

func newMemoryStore(cfg Config) *memoryStore {
	s := &memoryStore{
		windows: make(map[string]*window),
		dedupes: make(map[string]*dedupeRecord),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// hit counts a message and returns (count, windowStart).
func (s *memoryStore) hit(conversationID string, now time.Time) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[conversationID]
	if !ok || now.Sub(w.start) > s.cfg.Window {
		w = &window{count: 1, start: now}
		s.windows[conversationID] = w
		return 1, now
	}
	w.count++
	return w.count, w.start
}

// seen reports whether hash was recorded for the conversation inside the
// dedupe window, recording the new hash on miss.
func (s *memoryStore) seen(conversationID string, hash uint32, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.dedupes[conversationID]
	if ok && r.hash == hash && now.Sub(r.ts) < s.cfg.DedupeWindow {
		return true
	}
	s.dedupes[conversationID] = &dedupeRecord{hash: hash, ts: now}
	return false
}

// sweep prunes entries older than 5 minutes so an outage does not grow the
// maps without bound.
func (s *memoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			s.mu.Lock()
			for k, w := range s.windows {
				if w.start.Before(cutoff) {
					delete(s.windows, k)
				}
			}
			for k, r := range s.dedupes {
				if r.ts.Before(cutoff) {
					delete(s.dedupes, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *memoryStore) close() {
	close(s.done)
}
