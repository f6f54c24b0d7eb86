package popgate

import "net/http"

// CacheEntry is one stored response snapshot inside a cache partition.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix milliseconds
}

// QueuedMutation is a POP mutation captured while the origin was unreachable.
// The record is immutable once written; it leaves the queue only when a
// replay gets an HTTP-ok response.
type QueuedMutation struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds at enqueue
}

// QueuedRecord pairs a mutation with its storage key. Keys sort in enqueue
// order; Timestamp stays on the record as wall-clock metadata.
type QueuedRecord struct {
	Key      uint64
	Mutation QueuedMutation
}
