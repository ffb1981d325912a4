// Package stream writes relay messages to a browser as a Server-Sent Events
// response.
package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
)

// ErrSinkClosed reports that the client stream can no longer accept writes,
// either because it was closed locally or because the transport failed.
var ErrSinkClosed = errors.New("stream: sink closed")

var (
	dataPrefix = []byte("data: ")
	recordEnd  = []byte("\n\n")
	pingRecord = []byte(": ping\n\n")
)

// Options controls the response headers of a Session.
type Options struct {
	// AllowOrigin is echoed in Access-Control-Allow-Origin. Empty means "*".
	AllowOrigin string
}

// Session is one client's SSE response. All methods are safe for concurrent
// use; writes are serialized and none reach the client after Close returns.
type Session struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	opts Options

	mu     sync.Mutex
	opened bool
	closed atomic.Bool
}

// NewSession wraps w. Nothing is written until Open.
func NewSession(w http.ResponseWriter, opts Options) *Session {
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	return &Session{w: w, rc: http.NewResponseController(w), opts: opts}
}

// SetHeaders applies the stream's response headers to h.
func SetHeaders(h http.Header, allowOrigin string) {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Access-Control-Allow-Headers", "Cache-Control")
}

// Open commits the status line and headers and flushes them so the client
// sees the stream start before the first message.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if s.opened {
		return nil
	}
	SetHeaders(s.w.Header(), s.opts.AllowOrigin)
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	if err := s.rc.Flush(); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	}
	return nil
}

// Write frames msg as a single SSE data record. The payload is written
// verbatim.
func (s *Session) Write(msg pubsub.Message) error {
	buf := make([]byte, 0, len(dataPrefix)+len(msg.Payload)+len(recordEnd))
	buf = append(buf, dataPrefix...)
	buf = append(buf, msg.Payload...)
	buf = append(buf, recordEnd...)
	return s.write(buf)
}

// Ping writes an SSE comment, which clients ignore.
func (s *Session) Ping() error {
	return s.write(pingRecord)
}

// Close marks the session closed and aborts any write blocked on a slow
// client. It never blocks and may be called more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.rc.SetWriteDeadline(time.Now()); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Closed reports whether the session has stopped accepting writes.
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) write(p []byte) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || !s.opened {
		return ErrSinkClosed
	}
	if _, err := s.w.Write(p); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	}
	if err := s.rc.Flush(); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	}
	return nil
}
