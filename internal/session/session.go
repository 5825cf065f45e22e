// Package session turns asynchronously delivered device replies into
// responses a single waiting caller can consume.
//
// Only one request may be outstanding at a time. A caller takes the
// session with Begin, which drains anything left over from an earlier
// exchange, and releases it with End. Replies delivered while no request
// is outstanding are logged and discarded.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/protocol"
)

// ErrTimeout is returned when no reply arrives within the wait timeout.
var ErrTimeout = errors.New("timeout waiting for response")

// queueSize bounds replies buffered for the outstanding request.
const queueSize = 8

// Session is the shared point between the transport delivery callback and
// the orchestrator.
type Session struct {
	exclusive sync.Mutex

	mu          sync.Mutex
	outstanding bool
	events      chan protocol.Response

	log *zap.Logger
}

// New creates a Session. A nil logger disables logging.
func New(log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		events: make(chan protocol.Response, queueSize),
		log:    log,
	}
}

// Deliver classifies raw and hands it to the outstanding request. It is
// safe to call from the transport's own goroutine and never blocks.
func (s *Session) Deliver(raw []byte) {
	resp := protocol.Classify(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.outstanding {
		s.log.Debug("discarding reply, no request outstanding",
			zap.String("kind", resp.Kind.String()),
			zap.String("raw", hex.EncodeToString(raw)))
		return
	}

	select {
	case s.events <- resp:
		s.log.Debug("reply received", zap.Stringer("response", resp))
	default:
		s.log.Warn("reply queue full, dropping", zap.Stringer("response", resp))
	}
}

// Begin takes the session for one request, blocking while another request
// is outstanding.
func (s *Session) Begin() *Request {
	s.exclusive.Lock()

	s.mu.Lock()
	s.outstanding = true
	s.mu.Unlock()

	r := &Request{s: s}
	r.Reset()
	return r
}

// Request is the caller side of one outstanding exchange.
type Request struct {
	s    *Session
	once sync.Once
}

// Reset discards replies that arrived before the next send.
func (r *Request) Reset() {
	for {
		select {
		case resp := <-r.s.events:
			r.s.log.Debug("discarding stale reply", zap.Stringer("response", resp))
		default:
			return
		}
	}
}

// Await waits up to timeout for the next reply.
func (r *Request) Await(ctx context.Context, timeout time.Duration) (protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-r.s.events:
		return resp, nil
	case <-timer.C:
		return protocol.Response{}, ErrTimeout
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

// AwaitKind waits until a reply of the given kind arrives or the timeout
// expires. Replies of other kinds are logged and skipped.
func (r *Request) AwaitKind(ctx context.Context, kind protocol.ResponseKind, timeout time.Duration) (protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Response{}, ErrTimeout
		}
		resp, err := r.Await(ctx, remaining)
		if err != nil {
			return resp, err
		}
		if resp.Kind == kind {
			return resp, nil
		}
		r.s.log.Debug("skipping reply", zap.Stringer("response", resp), zap.String("want", kind.String()))
	}
}

// End releases the session. Calling End more than once is a no-op.
func (r *Request) End() {
	r.once.Do(func() {
		r.s.mu.Lock()
		r.s.outstanding = false
		r.s.mu.Unlock()

		r.Reset()
		r.s.exclusive.Unlock()
	})
}
