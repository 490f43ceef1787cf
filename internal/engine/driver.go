package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sonicbridge/internal/bedrock"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// maxQueueWait bounds how long the producer parks on an empty queue before
// re-checking session liveness.
const maxQueueWait = 10 * time.Second

// driver pumps one session against its upstream stream: the produce loop
// drains the session's queue onto the wire, the consume loop decodes response
// frames back into dispatched events. It exits when the session is
// deactivated, the stream ends, or a send fails.
type driver struct {
	m                *Manager
	s                *Session
	stream           bedrock.Stream
	handshakeTimeout time.Duration
}

// run drives both loops and closes the stream when either stops. The returned
// error is the first upstream failure, or nil on clean shutdown.
func (d *driver) run(ctx context.Context) error {
	defer d.stream.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.produce(gctx) })
	g.Go(func() error { return d.consume(gctx) })
	return g.Wait()
}

// produce forwards queued events in order. The first send carries its own
// handshake deadline since a freshly opened stream may still be settling;
// later sends rely on the stream's lifetime.
func (d *driver) produce(ctx context.Context) error {
	// Initiation seeds the protocol head before the stream opens. An empty
	// queue here means the seed was lost; re-seed it rather than hold a
	// silent stream open.
	if kind, ok := d.s.queue.peekKind(); !ok {
		slog.Warn("Queue empty at stream open; re-seeding session start.", "session", d.s.id)
		d.s.enqueue(sonic.SessionStartEvent(d.s.inference))
	} else if kind != sonic.KindSessionStart {
		slog.Warn("Stream opened with unexpected head event.", "session", d.s.id, "kind", kind)
	}

	first := true
	wait := time.NewTimer(maxQueueWait)
	defer wait.Stop()

	for {
		for {
			e, ok := d.s.queue.pop()
			if !ok {
				break
			}
			if !d.s.Active() {
				// Force-closed mid-drain; the remainder no longer matters.
				return nil
			}
			frame, err := sonic.Encode(e)
			if err != nil {
				slog.Error("Dropping unencodable event.", "session", d.s.id, "kind", e.Kind, "error", err)
				continue
			}

			sendCtx := ctx
			var cancel context.CancelFunc
			if first {
				sendCtx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
			}
			err = d.stream.Send(sendCtx, frame)
			if cancel != nil {
				cancel()
			}
			if err != nil {
				return fmt.Errorf("engine: send %s: %w", e.Kind, err)
			}
			first = false
			d.s.touch()
			d.m.met.RecordEventSent(ctx, e.Kind)
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(maxQueueWait)

		select {
		case <-d.s.queue.wake:
		case <-d.s.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-wait.C:
			if !d.s.Active() {
				return nil
			}
			if _, ok := d.s.queue.peekKind(); first && !ok {
				// A full wait window with nothing ever sent and nothing
				// queued: the opening seed never arrived. Replace it so
				// the upstream open window does not lapse unused.
				slog.Warn("Producer idle with nothing sent; re-seeding session start.", "session", d.s.id)
				d.s.enqueue(sonic.SessionStartEvent(d.s.inference))
			}
		}
	}
}

// consume decodes response frames and hands them to the manager. A closed
// frame channel means the upstream finished: cleanly (terminal completion is
// delivered and the session reclaimed) or with an error that the caller of
// run is expected to report.
func (d *driver) consume(ctx context.Context) error {
	frames := d.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.s.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if err := d.stream.Err(); err != nil {
					return fmt.Errorf("engine: upstream stream: %w", err)
				}
				slog.Info("Upstream finished response stream.", "session", d.s.id)
				d.s.terminal(ctx, "", "")
				go d.m.reclaim(d.s, "upstream complete")
				return nil
			}
			e, err := sonic.Decode(frame)
			if err != nil {
				slog.Warn("Skipping undecodable response frame.", "session", d.s.id, "error", err)
				continue
			}
			d.m.met.RecordEventReceived(ctx, e.Kind)
			d.m.handleInbound(ctx, d.s, e)
		}
	}
}
