package browser

import (
	"sync"
)

// ConsoleMessage is one captured console API call.
type ConsoleMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NetworkRequest is one captured request. StatusCode stays nil until a
// response with the same URL is paired to it.
type NetworkRequest struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resourceType"`
	Timestamp    int64  `json:"timestamp"`
	StatusCode   *int   `json:"statusCode"`
}

// RingBuffer is a fixed-capacity FIFO. Once full, each write evicts the oldest entry.
type RingBuffer[T any] struct {
	mu         sync.RWMutex
	entries    []T
	capacity   int
	head       int
	totalAdded int64
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Write appends one entry.
func (rb *RingBuffer[T]) Write(entry T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.head] = entry
		rb.head = (rb.head + 1) % rb.capacity
	}
	rb.totalAdded++
}

// Len returns the number of entries held.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// TotalAdded returns how many entries were ever written.
func (rb *RingBuffer[T]) TotalAdded() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.totalAdded
}

// Tail returns the newest n entries oldest-first. n <= 0 returns everything.
func (rb *RingBuffer[T]) Tail(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	all := rb.orderedLocked()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// UpdateNewest applies fn to entries from newest to oldest until fn returns true.
// It reports whether any entry was updated.
func (rb *RingBuffer[T]) UpdateNewest(fn func(*T) bool) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(rb.entries)
	for i := 0; i < n; i++ {
		// newest sits just before head once the buffer has wrapped
		idx := (rb.head - 1 - i + n) % n
		if len(rb.entries) < rb.capacity {
			idx = n - 1 - i
		}
		if fn(&rb.entries[idx]) {
			return true
		}
	}
	return false
}

// Reset drops every entry.
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = rb.entries[:0]
	rb.head = 0
}

func (rb *RingBuffer[T]) orderedLocked() []T {
	out := make([]T, 0, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		return append(out, rb.entries...)
	}
	out = append(out, rb.entries[rb.head:]...)
	return append(out, rb.entries[:rb.head]...)
}

// DiagnosticsStore holds per-domain console and network ring buffers.
type DiagnosticsStore struct {
	mu         sync.RWMutex
	consoleCap int
	networkCap int
	console    map[string]*RingBuffer[ConsoleMessage]
	network    map[string]*RingBuffer[NetworkRequest]
}

// NewDiagnosticsStore creates a store with the given per-domain capacities.
func NewDiagnosticsStore(consoleCap, networkCap int) *DiagnosticsStore {
	return &DiagnosticsStore{
		consoleCap: consoleCap,
		networkCap: networkCap,
		console:    make(map[string]*RingBuffer[ConsoleMessage]),
		network:    make(map[string]*RingBuffer[NetworkRequest]),
	}
}

// Reset replaces a domain's buffers with empty ones.
func (s *DiagnosticsStore) Reset(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console[domain] = NewRingBuffer[ConsoleMessage](s.consoleCap)
	s.network[domain] = NewRingBuffer[NetworkRequest](s.networkCap)
}

// Drop forgets a domain's buffers entirely.
func (s *DiagnosticsStore) Drop(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.console, domain)
	delete(s.network, domain)
}

// AppendConsole records a console message, creating the domain buffer on demand.
func (s *DiagnosticsStore) AppendConsole(domain string, msg ConsoleMessage) {
	s.mu.Lock()
	rb, ok := s.console[domain]
	if !ok {
		rb = NewRingBuffer[ConsoleMessage](s.consoleCap)
		s.console[domain] = rb
	}
	s.mu.Unlock()
	rb.Write(msg)
}

// AppendRequest records a request, creating the domain buffer on demand.
func (s *DiagnosticsStore) AppendRequest(domain string, req NetworkRequest) {
	s.mu.Lock()
	rb, ok := s.network[domain]
	if !ok {
		rb = NewRingBuffer[NetworkRequest](s.networkCap)
		s.network[domain] = rb
	}
	s.mu.Unlock()
	rb.Write(req)
}

// PairResponse sets the status of the newest request for url whose status is
// still unset. Pairing is by URL only, so two in-flight requests for the same
// URL can be matched to each other's responses.
func (s *DiagnosticsStore) PairResponse(domain, url string, status int) bool {
	s.mu.RLock()
	rb, ok := s.network[domain]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return rb.UpdateNewest(func(r *NetworkRequest) bool {
		if r.URL != url || r.StatusCode != nil {
			return false
		}
		code := status
		r.StatusCode = &code
		return true
	})
}

// ConsoleTail returns the newest n console messages for a domain.
func (s *DiagnosticsStore) ConsoleTail(domain string, n int) []ConsoleMessage {
	s.mu.RLock()
	rb, ok := s.console[domain]
	s.mu.RUnlock()
	if !ok {
		return []ConsoleMessage{}
	}
	return rb.Tail(n)
}

// NetworkTail returns the newest n network records for a domain.
func (s *DiagnosticsStore) NetworkTail(domain string, n int) []NetworkRequest {
	s.mu.RLock()
	rb, ok := s.network[domain]
	s.mu.RUnlock()
	if !ok {
		return []NetworkRequest{}
	}
	tail := rb.Tail(n)
	// copy status pointers so callers never alias live records
	for i := range tail {
		if tail[i].StatusCode != nil {
			code := *tail[i].StatusCode
			tail[i].StatusCode = &code
		}
	}
	return tail
}
