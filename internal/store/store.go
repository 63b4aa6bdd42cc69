// Package store implements the in-memory moderation context store: a bounded,
// insertion-ordered history of recent chat messages. A single worker goroutine
// owns the history exclusively; every operation travels through a request
// channel and is executed to completion before the next one, so access is
// serialized without locks. Callers interact only through a Handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sentinel/modbot/internal/metrics"
)

// Status is the classification state of a stored record.
type Status int

const (
	// StatusNotValidated marks a record that has not been part of a
	// confirmed violation window.
	StatusNotValidated Status = iota

	// StatusValidated marks a record that was part of a window the
	// classifier flagged.
	StatusValidated
)

// String returns the wire form of the status, as sent to the classifier.
func (s Status) String() string {
	if s == StatusValidated {
		return "validated"
	}
	return "not_validated"
}

// Record is one chat message snapshot. All fields except Status are fixed at
// insertion time; Status is mutated in place by Validate requests.
type Record struct {
	ID        uint64 // platform-assigned message id
	ChannelID uint64 // conversation the message belongs to
	AuthorID  uint64 // sender
	Content   string
	Status    Status
	Timestamp int64 // unix seconds, most recent last in stored order
}

// Equal reports whether two records refer to the same platform message.
// Identity is (ChannelID, ID); content and status are not compared.
func (r Record) Equal(other Record) bool {
	return r.ChannelID == other.ChannelID && r.ID == other.ID
}

// ErrClosed is returned by Handle methods once the store worker has stopped.
var ErrClosed = errors.New("store: unavailable")

// requestQueueSize bounds the request channel. The worker only ever performs
// in-memory work per request, so the queue drains far faster than any
// realistic message rate fills it.
const requestQueueSize = 1024

// Request types processed by the worker. Insert and validate carry no reply;
// latest replies exactly once on its own buffered channel, so the worker
// never blocks delivering a reply to a slow caller.
type insertReq struct {
	rec Record
}

type latestReq struct {
	n     int
	reply chan []Record
}

type validateReq struct {
	n int
}

// Store owns the bounded message history. Construct it with New, which also
// starts the worker; share access by handing out Handles.
type Store struct {
	capacity  int
	records   []Record
	reqs      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

// New validates the capacity bound, starts the worker goroutine, and returns
// the store together with a first client handle. An invalid capacity is a
// construction error so that misconfiguration surfaces at startup, not on the
// first insert.
func New(capacity int) (*Store, *Handle, error) {
	if capacity <= 0 {
		return nil, nil, fmt.Errorf("store: invalid capacity %d", capacity)
	}
	s := &Store{
		capacity: capacity,
		records:  make([]Record, 0, capacity),
		reqs:     make(chan interface{}, requestQueueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, s.Handle(), nil
}

// Handle returns a new client endpoint for this store. Handles are cheap and
// safe to share across goroutines.
func (s *Store) Handle() *Handle {
	return &Handle{reqs: s.reqs, done: s.done}
}

// Close stops the worker. Requests still queued at that point are dropped;
// subsequent Handle calls return ErrClosed. Close is idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// run is the worker loop. It is the only goroutine that touches s.records.
func (s *Store) run() {
	defer metrics.ContextRecords.Set(0)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			switch r := req.(type) {
			case insertReq:
				s.insert(r.rec)
			case latestReq:
				r.reply <- s.latest(r.n)
			case validateReq:
				s.validate(r.n)
			}
		}
	}
}

// insert appends a record, evicting exactly one (the oldest) when the store
// is at capacity. The history is therefore a FIFO sliding window of at most
// `capacity` entries.
func (s *Store) insert(rec Record) {
	if len(s.records) >= s.capacity {
		copy(s.records, s.records[1:])
		s.records = s.records[:len(s.records)-1]
	}
	s.records = append(s.records, rec)
	metrics.ContextRecords.Set(float64(len(s.records)))
}

// latest returns a copy of the last n records in stored order. A window
// larger than the current length degenerates to the whole history; n <= 0
// yields an empty (non-nil) slice.
func (s *Store) latest(n int) []Record {
	start := s.windowStart(n)
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out
}

// validate flips the status of the last n records to validated, using the
// same windowing rule as latest. Re-validating a record is a no-op.
func (s *Store) validate(n int) {
	for i := s.windowStart(n); i < len(s.records); i++ {
		s.records[i].Status = StatusValidated
	}
}

func (s *Store) windowStart(n int) int {
	if n < 0 {
		n = 0
	}
	start := len(s.records) - n
	if start < 0 {
		start = 0
	}
	return start
}

// Handle is the client endpoint to the store: an outbound request queue plus
// the worker's lifetime signal. Insert and Validate are fire-and-forget;
// Latest suspends the caller until the worker's reply arrives. Requests sent
// through one handle are processed in send order, which is what guarantees
// that a Latest issued after an Insert observes the inserted record.
type Handle struct {
	reqs chan<- interface{}
	done <-chan struct{}
}

// closed reports whether the store worker has stopped. Checked before every
// send: the request channel is buffered, so after close a send would still
// succeed and the request would silently go nowhere.
func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Insert queues a record for appending. It does not wait for the worker to
// process the request.
func (h *Handle) Insert(rec Record) error {
	if h.closed() {
		return ErrClosed
	}
	select {
	case h.reqs <- insertReq{rec: rec}:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// Latest requests a copy of the last n records and blocks until the worker
// replies, the store closes, or ctx is done.
func (h *Handle) Latest(ctx context.Context, n int) ([]Record, error) {
	if h.closed() {
		return nil, ErrClosed
	}
	reply := make(chan []Record, 1)
	select {
	case h.reqs <- latestReq{n: n, reply: reply}:
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case recs := <-reply:
		return recs, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Validate queues a status mutation for the last n records. Like Insert it is
// fire-and-forget; the effect is observable through a later Latest.
func (h *Handle) Validate(n int) error {
	if h.closed() {
		return ErrClosed
	}
	select {
	case h.reqs <- validateReq{n: n}:
		return nil
	case <-h.done:
		return ErrClosed
	}
}
