package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// replayEntry is one stored mutation outcome, replayed verbatim when a
// spoke retries the same Idempotency-Key.
type replayEntry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
}

// IdempotencyStorer is the replay backend.
type IdempotencyStorer interface {
	Check(key string) (*replayEntry, bool)
	Set(key string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore keeps replay entries in process memory.
// Entries expire after the configured TTL; a background sweep reclaims
// them.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*replayEntry
	ttl     time.Duration
}

// NewIdempotencyStore builds a memory-backed replay store and starts
// its expiry sweep.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*replayEntry),
		ttl:     ttl,
	}
	go s.sweep()
	return s
}

func (s *MemoryIdempotencyStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.StoredAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns the entry for key while it is within its TTL.
func (s *MemoryIdempotencyStore) Check(key string) (*replayEntry, bool) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(entry.StoredAt) < s.ttl {
		return entry, true
	}
	return nil, false
}

// Set records a completed mutation outcome under key.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &replayEntry{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		StoredAt:   time.Now(),
	}
}

// responseCapture tees the handler's response so it can be stored.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response for mutating
// requests that repeat an Idempotency-Key. Registration retries from
// spokes behind flaky links land here.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if entry, ok := store.Check(key); ok {
				for k, vals := range entry.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(entry.StatusCode)
				_, _ = w.Write(entry.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			// Only successful outcomes are replayable.
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
