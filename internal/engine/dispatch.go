package engine

import (
	"context"
	"log/slog"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// Handler consumes one inbound event. Handlers registered on the same session
// run sequentially in registration order; a returned error is logged and does
// not stop delivery to later handlers.
type Handler func(ctx context.Context, e sonic.Event) error

// OnEvent registers h for inbound events of the given kind. Registration is
// allowed at any point in the session's life, including from inside another
// handler.
func (s *Session) OnEvent(kind string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[kind] = append(s.handlers[kind], h)
	s.handlersMu.Unlock()
}

// OnAny registers h for every inbound event, invoked after the kind-specific
// handlers.
func (s *Session) OnAny(h Handler) {
	s.handlersMu.Lock()
	s.anyHandlers = append(s.anyHandlers, h)
	s.handlersMu.Unlock()
}

// dispatch fans e out: kind-specific handlers first, then the any-handlers.
// A panicking handler is isolated so one subscriber cannot take down the
// session's consume loop.
func (s *Session) dispatch(ctx context.Context, e sonic.Event) {
	s.touch()

	s.handlersMu.Lock()
	kindHandlers := append([]Handler(nil), s.handlers[e.Kind]...)
	anyHandlers := append([]Handler(nil), s.anyHandlers...)
	s.handlersMu.Unlock()

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	for _, h := range kindHandlers {
		s.invoke(ctx, h, e)
	}
	for _, h := range anyHandlers {
		s.invoke(ctx, h, e)
	}
}

func (s *Session) invoke(ctx context.Context, h Handler, e sonic.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked.", "session", s.id, "kind", e.Kind, "panic", r)
		}
	}()
	if err := h(ctx, e); err != nil {
		slog.Warn("Event handler failed.", "session", s.id, "kind", e.Kind, "error", err)
	}
}

// terminal delivers the session's closing pair: an error event when failure
// is non-empty, always followed by exactly one stream completion marker. Any
// later terminal call is a no-op, so racing teardown paths cannot double-send.
func (s *Session) terminal(ctx context.Context, failure, details string) {
	s.terminalOnce.Do(func() {
		if failure != "" {
			s.dispatch(ctx, sonic.ErrorEvent(failure, details))
		}
		s.dispatch(ctx, sonic.StreamCompleteEvent())
	})
}
