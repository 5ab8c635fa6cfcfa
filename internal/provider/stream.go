package provider

import (
	"context"
	"sync"
)

// Stream is a pull-based sequence of text fragments. Usage follows the
// bufio.Scanner convention:
//
//	stream, err := driver.StreamChat(ctx, msgs, temp)
//	...
//	for stream.Next() {
//	    emit(stream.Text())
//	}
//	if err := stream.Err(); err != nil { ... }
//	tokens, ok := stream.Usage()
//
// A Stream is single-consumer and non-restartable. Usage is the side-channel
// token accounting accessor; it reports ok only after the producer finished.
type Stream struct {
	chunks chan string
	cur    string

	mu     sync.Mutex
	err    error
	tokens int
	done   bool
}

// NewStream creates a stream and the producer half that feeds it. Drivers
// push fragments with push and must call finish exactly once when the
// underlying call returns. push blocks until the consumer reads the
// fragment or ctx is canceled, so an abandoned stream cannot leak the
// producer goroutine.
func NewStream() (*Stream, func(ctx context.Context, chunk string) error, func(tokens int, err error)) {
	s := &Stream{chunks: make(chan string)}

	push := func(ctx context.Context, chunk string) error {
		select {
		case s.chunks <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	finish := func(tokens int, err error) {
		s.mu.Lock()
		s.tokens = tokens
		s.err = err
		s.done = true
		s.mu.Unlock()
		close(s.chunks)
	}
	return s, push, finish
}

// Next advances to the next fragment. It returns false when the stream is
// exhausted or the producer failed; check Err afterwards.
func (s *Stream) Next() bool {
	chunk, ok := <-s.chunks
	if !ok {
		s.cur = ""
		return false
	}
	s.cur = chunk
	return true
}

// Text returns the fragment read by the last successful Next.
func (s *Stream) Text() string {
	return s.cur
}

// Err returns the producer error, if any. Valid once Next has returned false.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage returns the total token count for the generation. ok is false until
// the stream has been fully drained.
func (s *Stream) Usage() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done || s.err != nil {
		return 0, false
	}
	return s.tokens, true
}
