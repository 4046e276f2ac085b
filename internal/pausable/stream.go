// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pausable implements the byte pipe between the body decoder
// and eventual file consumers. A Stream starts paused: the producer's
// writes are queued and never block, so request parsing keeps moving
// while a file waits for a consumer that may attach much later, or
// never. Resuming drains the queue to the consumer in arrival order and
// then switches to direct pass-through, at which point writes block
// until read, so backpressure reaches all the way back to the client
// socket. No byte is lost, duplicated, or reordered across the switch,
// including when the producer finishes before anyone resumes.
package pausable

import (
	"io"
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/errors"
)

// Stream is a pausable byte pipe. The zero value is not usable; call
// New. Producer side: Write, Close. Consumer side: Resume, Read. Either
// side may Cancel.
type Stream struct {
	mu       sync.Mutex
	queue    *deque.Deque
	buffered int64
	resumed  bool
	closed   bool
	err      error

	// rwait and wwait are replaced-and-closed to broadcast state
	// changes to blocked readers and writers respectively.
	rwait chan struct{}
	wwait chan struct{}
}

// New returns a paused, empty stream.
func New() *Stream {
	return &Stream{
		queue: deque.New(),
		rwait: make(chan struct{}),
		wwait: make(chan struct{}),
	}
}

// Write queues or hands over p. While the stream is paused the bytes
// are copied into the internal queue and Write returns immediately.
// After Resume, Write blocks until the consumer has drained everything
// written so far, then returns. Write after Close returns
// io.ErrClosedPipe; write after Cancel returns the cancel error.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		s.queue.PushBack(chunk)
		s.buffered += int64(len(p))
		s.notifyReaders()
	}
	if !s.resumed {
		s.mu.Unlock()
		return len(p), nil
	}
	for s.err == nil && s.queue.Len() > 0 {
		ch := s.wwait
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	err := s.err
	s.mu.Unlock()
	return len(p), err
}

// Read returns queued bytes in arrival order. With the queue empty it
// blocks until the producer writes, closes or cancels. Returns io.EOF
// once the producer has closed and the queue is drained.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.queue.Len() > 0 {
			front, _ := s.queue.PopFront()
			chunk := front.([]byte)
			n := copy(p, chunk)
			if n < len(chunk) {
				s.queue.PushFront(chunk[n:])
			}
			s.buffered -= int64(n)
			if s.queue.Len() == 0 {
				s.notifyWriters()
			}
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		ch := s.rwait
		s.mu.Unlock()
		<-ch
	}
}

// Resume switches the stream from buffering to pass-through. The queue
// accumulated while paused is delivered to the consumer first, in
// order. Idempotent; calls after the first are no-ops.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = true
}

// Close marks the producer side finished. The consumer drains whatever
// is queued and then sees io.EOF. Close after Cancel is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return nil
	}
	s.closed = true
	s.notifyReaders()
	return nil
}

// Cancel terminates both sides: the queue is discarded, a blocked
// reader or writer is released with err, and all subsequent reads and
// writes fail with err. The first cancel wins; later calls are no-ops.
// A nil err is recorded as a generic cancellation.
func (s *Stream) Cancel(err error) {
	if err == nil {
		err = errors.New("stream cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.queue = deque.New()
	s.buffered = 0
	s.notifyReaders()
	s.notifyWriters()
}

// Buffered reports how many bytes sit in the queue awaiting the
// consumer.
func (s *Stream) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Resumed reports whether Resume has been called.
func (s *Stream) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *Stream) notifyReaders() {
	close(s.rwait)
	s.rwait = make(chan struct{})
}

func (s *Stream) notifyWriters() {
	close(s.wwait)
	s.wwait = make(chan struct{})
}
