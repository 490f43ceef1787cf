package bedrock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// frameBuffer sizes the response frame channel. Synthesized audio arrives in
// bursts faster than real time, so the pump gets headroom before it blocks.
const frameBuffer = 64

// Stream is one live bidirectional conversation with the model. Frames are
// opaque JSON event frames in both directions.
type Stream interface {
	// Send writes one frame to the request body, blocking until the frame is
	// accepted or ctx expires.
	Send(ctx context.Context, frame []byte) error

	// Frames returns the channel of response frames. It closes when the
	// service ends the response body or the stream dies; Err distinguishes
	// the two afterwards.
	Frames() <-chan []byte

	// Err reports the terminal stream error, if any, once Frames has closed.
	Err() error

	// Close tears the stream down and releases its concurrency slot.
	// Idempotent.
	Close() error
}

// eventStream is the slice of the SDK's generated duplex stream used here.
// *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream satisfies it.
type eventStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

type stream struct {
	es      eventStream
	frames  chan []byte
	release func()

	mu  sync.Mutex
	err error

	done      chan struct{}
	closeOnce sync.Once
}

// newStream wraps the SDK event stream and starts the receive pump. release
// runs exactly once, when the stream is closed.
func newStream(ctx context.Context, es eventStream, release func()) *stream {
	s := &stream{
		es:      es,
		frames:  make(chan []byte, frameBuffer),
		release: release,
		done:    make(chan struct{}),
	}
	go s.pump(ctx)
	return s
}

// pump moves chunk payloads from the SDK event channel onto frames until the
// response ends, the stream context expires, or Close is called.
func (s *stream) pump(ctx context.Context) {
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.abort(ctx.Err())
			return
		case ev, ok := <-s.es.Events():
			if !ok {
				s.abort(s.es.Err())
				return
			}
			chunk, ok := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !ok {
				slog.Debug("Ignoring unhandled output event.", "type", fmt.Sprintf("%T", ev))
				continue
			}
			select {
			case s.frames <- chunk.Value.Bytes:
			case <-s.done:
				return
			case <-ctx.Done():
				s.abort(ctx.Err())
				return
			}
		}
	}
}

// Send writes one frame as a chunk event on the request body.
func (s *stream) Send(ctx context.Context, frame []byte) error {
	err := s.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: frame},
	})
	if err != nil {
		s.abort(err)
		return fmt.Errorf("bedrock: send frame: %w", err)
	}
	return nil
}

// Frames returns the response frame channel.
func (s *stream) Frames() <-chan []byte { return s.frames }

// Err reports the first terminal error observed on the stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close shuts both directions down and releases the concurrency slot. A
// close after a clean end-of-response keeps Err nil.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.es.Close(); err != nil {
			slog.Debug("Event stream close reported an error.", "error", err)
		}
		s.release()
	})
	return nil
}

// abort records the first terminal error. Nil errors (clean end of response)
// and errors racing a deliberate Close are ignored.
func (s *stream) abort(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Ensure the SDK stream satisfies the local seam at compile time.
var _ eventStream = (*bedrockruntime.InvokeModelWithBidirectionalStreamEventStream)(nil)
