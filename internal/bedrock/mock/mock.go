// Package mock provides test doubles for the bedrock package interfaces.
//
// Use Opener to hand controlled Streams to the session engine and Stream to
// script the remote side of a conversation: every frame the engine sends is
// recorded and surfaced on a channel, while test code feeds response frames
// in through Emit and ends the response with End.
//
// Example:
//
//	st := mock.NewStream()
//	op := &mock.Opener{Stream: st}
//	... engine opens the stream; st.Sent() shows outbound frames
//	st.Emit(frame)   // service speaks
//	st.End(nil)      // service ends the response body
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sonicbridge/internal/bedrock"
)

// OpenCall records a single invocation of Opener.OpenStream.
type OpenCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
}

// Opener is a mock implementation of bedrock.Opener.
type Opener struct {
	mu sync.Mutex

	// Stream is returned by every OpenStream call. If nil, each call returns
	// a fresh default Stream.
	Stream *Stream

	// OpenErr, if non-nil, is returned as the error from OpenStream.
	OpenErr error

	// OpenCalls records every call to OpenStream in order.
	OpenCalls []OpenCall

	// Opened records every stream handed out, in order.
	Opened []*Stream
}

// OpenStream records the call and returns Stream (or a fresh default one).
func (o *Opener) OpenStream(ctx context.Context) (bedrock.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, OpenCall{Ctx: ctx})
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	st := o.Stream
	if st == nil {
		st = NewStream()
	}
	o.Opened = append(o.Opened, st)
	return st, nil
}

// Last returns the most recently opened stream, or nil if none was opened.
func (o *Opener) Last() *Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Opened) == 0 {
		return nil
	}
	return o.Opened[len(o.Opened)-1]
}

// Ensure Opener implements bedrock.Opener at compile time.
var _ bedrock.Opener = (*Opener)(nil)

// Stream is a mock implementation of bedrock.Stream. The zero value is not
// usable; construct with [NewStream].
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// Gate, when non-nil, blocks every Send until it receives or is closed.
	// Tests use it to simulate a slow upstream and build backpressure.
	Gate chan struct{}

	frames chan []byte
	sent   [][]byte
	sentCh chan []byte
	err    error

	closeCount int
	ended      bool
	done       chan struct{}
	closeOnce  sync.Once
	endOnce    sync.Once
}

// NewStream returns a ready-to-use mock stream with buffered channels.
func NewStream() *Stream {
	return &Stream{
		frames: make(chan []byte, 64),
		sentCh: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

// Send records the frame and returns SendErr. It honours ctx and Gate.
func (s *Stream) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	gate := s.Gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return context.Canceled
		}
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	s.mu.Lock()
	s.sent = append(s.sent, cp)
	err := s.SendErr
	s.mu.Unlock()

	select {
	case s.sentCh <- cp:
	default:
	}
	return err
}

// Frames returns the response frame channel fed by Emit and closed by End.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Err returns the error set via End.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and unblocks any gated Send. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Emit feeds one response frame to the consumer. Frames emitted after End or
// Close are discarded. Do not race Emit against End from separate goroutines.
func (s *Stream) Emit(frame []byte) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.frames <- frame:
	case <-s.done:
	}
}

// End closes the response body as the service would, with err as the
// terminal stream error (nil for a clean end). Idempotent.
func (s *Stream) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.ended = true
		s.mu.Unlock()
		close(s.frames)
	})
}

// Sent returns a copy of all frames recorded so far.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentFrames returns a live channel receiving each sent frame in order.
// Tests select on it to await asynchronous producer activity.
func (s *Stream) SentFrames() <-chan []byte { return s.sentCh }

// CloseCount reports how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Ensure Stream implements bedrock.Stream at compile time.
var _ bedrock.Stream = (*Stream)(nil)
