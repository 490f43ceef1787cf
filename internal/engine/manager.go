package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sonicbridge/internal/bedrock"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/tools"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// errTeardownInterrupted reports that a session died while its ordered
// teardown was still flushing boundary events.
var errTeardownInterrupted = errors.New("engine: session ended during teardown")

// Manager coordinates every live session: creation, the opening protocol
// sequence, audio forwarding, tool round-trips, ordered and forced teardown,
// and the idle sweeper. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tearing  map[*Session]struct{}

	opener bedrock.Opener
	tools  *tools.Registry
	cfg    Config
	met    *observe.Metrics

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager wires a session manager to the upstream opener and the tool
// registry offered to the model. Zero cfg fields fall back to the package
// defaults.
func NewManager(opener bedrock.Opener, reg *tools.Registry, cfg Config) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		tearing:  make(map[*Session]struct{}),
		opener:   opener,
		tools:    reg,
		cfg:      cfg.withDefaults(),
		met:      observe.DefaultMetrics(),
		done:     make(chan struct{}),
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Create registers a fresh session under id and returns it for handler
// registration. An existing session under the same id is force-closed first;
// the last Create wins.
func (m *Manager) Create(id string) *Session {
	if old := m.get(id); old != nil {
		slog.Warn("Replacing existing session.", "session", id)
		old.terminal(context.Background(), "", "")
		m.reclaim(old, "superseded")
	}

	s := newSession(id, m.cfg)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.met.ActiveSessions.Add(context.Background(), 1)
	slog.Info("Session created.", "session", id)
	return s
}

// Initiate opens the upstream stream and queues the opening protocol
// sequence: sessionStart, promptStart with the tool catalog, the system
// prompt as a SYSTEM text block, the long-lived audio block, and the silent
// sentinel chunk that primes it. Each step settles briefly so the upstream
// consumes boundaries in order. Handlers registered on the session after
// Initiate returns may miss early inbound events; register them first.
func (m *Manager) Initiate(ctx context.Context, id string) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("engine: initiate %q: %w", id, ErrInvalidSession)
	}
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "session.initiate",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	// The protocol head is queued before the stream opens so the producer
	// finds it waiting the moment it starts pulling.
	if ok, _ := s.enqueue(sonic.SessionStartEvent(s.inference)); !ok {
		m.reclaim(s, "initiation failed")
		return fmt.Errorf("engine: initiate %q: %w", id, ErrInvalidSession)
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()
	stream, err := m.opener.OpenStream(openCtx)
	if err != nil {
		span.RecordError(err)
		m.reclaim(s, "initiation failed")
		return fmt.Errorf("engine: initiate %q: open upstream stream: %w", id, err)
	}
	s.setStream(stream)

	d := &driver{m: m, s: s, stream: stream, handshakeTimeout: m.cfg.HandshakeTimeout}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := d.run(s.ctx); err != nil {
			m.reportStreamError(s, err)
		}
	}()

	if err := m.openingSequence(ctx, s); err != nil {
		span.RecordError(err)
		m.reclaim(s, "initiation failed")
		return fmt.Errorf("engine: initiate %q: %w", id, err)
	}

	m.met.SessionInitDuration.Record(ctx, time.Since(start).Seconds())
	slog.Info("Session initiated.", "session", id, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// openingSequence queues steps two through five of the opening protocol; the
// sessionStart head was seeded before the stream opened.
func (m *Manager) openingSequence(ctx context.Context, s *Session) error {
	if err := m.settle(ctx, s); err != nil {
		return err
	}

	s.trackPrompt(s.promptName)
	s.enqueue(sonic.PromptStartEvent(s.promptName, m.cfg.VoiceID, m.tools.Specs()))
	if err := m.settle(ctx, s); err != nil {
		return err
	}

	sysContent := uuid.NewString()
	s.trackContent(sysContent, s.promptName)
	s.enqueue(sonic.TextContentStartEvent(s.promptName, sysContent, sonic.RoleSystem))
	s.enqueue(sonic.TextInputEvent(s.promptName, sysContent, s.SystemPrompt()))
	if s.untrackContent(sysContent) {
		s.enqueue(sonic.ContentEndEvent(s.promptName, sysContent))
	}
	if err := m.settle(ctx, s); err != nil {
		return err
	}

	s.trackContent(s.audioContentID, s.promptName)
	s.enqueue(sonic.AudioContentStartEvent(s.promptName, s.audioContentID))
	s.markAudioStarted()
	if err := m.settle(ctx, s); err != nil {
		return err
	}

	if ok, _ := s.enqueue(sonic.AudioInputEvent(s.promptName, s.audioContentID, sonic.AudioSentinel)); ok {
		s.markAudioSeeded()
	}
	return nil
}

// StreamAudio forwards one raw PCM16 chunk into the session's audio block.
// Chunks arriving before initiation announced the audio block are silently
// discarded; chunks evicted from a full queue are counted but not an error.
func (m *Manager) StreamAudio(ctx context.Context, id string, pcm []byte) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("engine: stream audio to %q: %w", id, ErrInvalidSession)
	}
	if !s.audioReady() {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(pcm)
	queued, dropped := s.enqueue(sonic.AudioInputEvent(s.promptName, s.audioContentID, encoded))
	if queued {
		s.markAudioSeeded()
	}
	if dropped {
		m.met.AudioDropped.Add(ctx, 1)
		slog.Debug("Evicted oldest queued audio chunk.", "session", id)
	}
	return nil
}

// Close runs the ordered teardown: contentEnd for every open block, then
// promptEnd, then sessionEnd, each flushed onto the wire before the next.
// The whole sequence is bounded by the configured teardown timeout; on
// expiry the session is force-closed and the timeout returned. Subscribers
// receive the stream completion marker either way.
func (m *Manager) Close(ctx context.Context, id string) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("engine: close %q: %w", id, ErrInvalidSession)
	}
	if !m.beginTeardown(s) {
		return nil
	}
	defer m.endTeardown(s)
	if !s.Active() {
		return nil
	}
	if !s.hasStream() {
		// Never initiated: there is no wire to flush boundaries onto.
		s.terminal(ctx, "", "")
		m.reclaim(s, "closed before initiation")
		return nil
	}

	slog.Info("Closing session.", "session", id)
	ctx, span := observe.StartSpan(ctx, "session.close",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.TeardownTimeout)
	defer cancel()

	if err := m.teardown(cctx, s); err != nil {
		span.RecordError(err)
		slog.Warn("Ordered teardown incomplete; forcing close.", "session", id, "error", err)
		s.terminal(context.Background(), "", "")
		m.reclaim(s, "teardown interrupted")
		return fmt.Errorf("engine: close %q: %w", id, err)
	}

	s.terminal(cctx, "", "")
	m.reclaim(s, "closed")

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-cctx.Done():
		s.closeStream()
		return fmt.Errorf("engine: close %q: session goroutines still running: %w", id, cctx.Err())
	}
}

// teardown queues and flushes the closing steps in order: prime a chunkless
// audio block, close every open content, close every prompt, end the session.
func (m *Manager) teardown(ctx context.Context, s *Session) error {
	if s.needsAudioSeed() {
		// The service rejects a contentEnd for an audio block that never
		// carried data; the silent sentinel satisfies it.
		if ok, _ := s.enqueue(sonic.AudioInputEvent(s.promptName, s.audioContentID, sonic.AudioSentinel)); ok {
			s.markAudioSeeded()
		}
	}
	for name, prompt := range s.takeContents() {
		s.enqueue(sonic.ContentEndEvent(prompt, name))
	}
	if err := m.flush(ctx, s); err != nil {
		return err
	}

	for _, prompt := range s.takePrompts() {
		s.enqueue(sonic.PromptEndEvent(prompt))
	}
	if err := m.flush(ctx, s); err != nil {
		return err
	}

	s.enqueue(sonic.SessionEndEvent())
	return m.flush(ctx, s)
}

// ForceClose abandons a session immediately: the queue is discarded, the
// upstream stream torn down, and the completion marker delivered if it was
// not already. Unknown ids are a no-op, so racing close paths are safe.
func (m *Manager) ForceClose(id string) {
	s := m.get(id)
	if s == nil {
		return
	}
	s.terminal(context.Background(), "", "")
	m.reclaim(s, "force-close")
}

// Run drives the idle sweeper until ctx is cancelled or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	slog.Info("Session sweeper running.", "interval", m.cfg.SweepInterval, "idle_timeout", m.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Shutdown stops the sweeper and closes every live session in parallel,
// orderly where possible. ctx bounds the combined teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.done) })

	sessions := m.snapshot()
	if len(sessions) == 0 {
		return nil
	}
	slog.Info("Closing all sessions.", "count", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			err := m.Close(ctx, s.id)
			if errors.Is(err, ErrInvalidSession) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// ─── Inbound handling ────────────────────────────────────────────────────────

// handleInbound routes one decoded upstream event: exceptions terminate the
// session, toolUse/contentEnd pairs trigger tool round-trips, and everything
// is fanned out to the session's handlers.
func (m *Manager) handleInbound(ctx context.Context, s *Session, e sonic.Event) {
	switch e.Kind {
	case sonic.KindModelStreamError, sonic.KindInternalError:
		m.reportException(ctx, s, e)
		return
	case sonic.KindToolUse:
		var p sonic.ToolUsePayload
		if err := e.As(&p); err != nil {
			slog.Warn("Malformed toolUse payload.", "session", s.id, "error", err)
		} else {
			s.noteToolUse(p)
		}
	case sonic.KindContentEnd:
		var p sonic.ContentEndPayload
		if err := e.As(&p); err == nil && p.Type == sonic.ContentTypeTool {
			if use, ok := s.takeToolUse(); ok {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					m.runTool(ctx, s, use)
				}()
			}
		}
	}
	s.dispatch(ctx, e)
}

// runTool executes one tool round-trip: invoke the registered handler, wrap
// the result in a TOOL content block, and queue it back upstream. Handler
// failures are folded into an error result so the conversation continues.
func (m *Manager) runTool(ctx context.Context, s *Session, use sonic.ToolUsePayload) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.tool",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("tool.name", use.ToolName),
		))
	defer span.End()
	slog.Info("Running tool.", "session", s.id, "tool", use.ToolName, "tool_use_id", use.ToolUseID)

	result, err := m.tools.Invoke(ctx, use.ToolName, use.Content)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		slog.Error("Tool invocation failed.", "session", s.id, "tool", use.ToolName, "error", err)
		result = `{"error":"tool processing failed"}`
	}
	m.met.RecordToolCall(ctx, use.ToolName, status)
	m.met.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

	contentName := uuid.NewString()
	s.trackContent(contentName, s.promptName)
	s.enqueue(sonic.ToolContentStartEvent(s.promptName, contentName, use.ToolUseID))
	s.enqueue(sonic.ToolResultEvent(s.promptName, contentName, result))
	if s.untrackContent(contentName) {
		s.enqueue(sonic.ContentEndEvent(s.promptName, contentName))
	}

	if err != nil {
		// Non-terminal: the model got an error result and the conversation
		// carries on, but subscribers hear which tool failed.
		s.dispatch(ctx, sonic.Event{Kind: sonic.KindError, Payload: sonic.ErrorPayload{
			Message: "tool processing failed",
			Details: use.ToolName,
		}})
	}

	// Local echo so subscribers observe the round-trip result without
	// waiting for the model to paraphrase it.
	s.dispatch(ctx, sonic.Event{Kind: sonic.KindToolResult, Payload: sonic.ToolResultPayload{
		PromptName:  s.promptName,
		ContentName: contentName,
		Content:     result,
	}})
}

// reportStreamError classifies a driver failure, notifies subscribers with
// the error/completion pair, and reclaims the session. Cancellations are the
// normal result of teardown and reported by whoever initiated them.
func (m *Manager) reportStreamError(s *Session, err error) {
	fault, msg := bedrock.Classify(err)
	if fault == bedrock.FaultCanceled {
		return
	}
	slog.Error("Upstream stream failed.", "session", s.id, "fault", fault, "error", err)
	m.met.RecordUpstreamError(context.Background(), fault.String())
	s.terminal(context.Background(), msg, fault.String())
	m.reclaim(s, "upstream failure")
}

// reportException handles an exception frame delivered in-band by the
// service. The session cannot continue past one.
func (m *Manager) reportException(ctx context.Context, s *Session, e sonic.Event) {
	var p sonic.ExceptionPayload
	if err := e.As(&p); err != nil || p.Message == "" {
		p.Message = "upstream exception"
	}
	slog.Error("Upstream reported exception.", "session", s.id, "kind", e.Kind, "message", p.Message)
	m.met.RecordUpstreamError(ctx, e.Kind)
	s.terminal(ctx, p.Message, e.Kind)
	go m.reclaim(s, "upstream exception")
}

// ─── Internals ───────────────────────────────────────────────────────────────

func (m *Manager) get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// beginTeardown claims the exclusive right to run an ordered close for s.
func (m *Manager) beginTeardown(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.tearing[s]; busy {
		return false
	}
	m.tearing[s] = struct{}{}
	return true
}

func (m *Manager) endTeardown(s *Session) {
	m.mu.Lock()
	delete(m.tearing, s)
	m.mu.Unlock()
}

// settle pauses one protocol step, aborting early if the caller or the
// session goes away.
func (m *Manager) settle(ctx context.Context, s *Session) error {
	t := time.NewTimer(m.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return errTeardownInterrupted
	case <-t.C:
		return nil
	}
}

// flush waits until the session's queue drained onto the wire, then settles
// so the upstream consumes the boundary before the next step.
func (m *Manager) flush(ctx context.Context, s *Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return errTeardownInterrupted
	case <-s.queue.emptied():
	}
	return m.settle(ctx, s)
}

// reclaim releases everything a session holds: pending queue, upstream
// stream, table slot, and the gauges tracking it. Callers deliver terminal
// notifications first; reclaim never dispatches.
func (m *Manager) reclaim(s *Session, reason string) {
	discarded := s.queue.drain()
	s.deactivate()
	s.closeStream()
	if !m.evict(s) {
		return
	}
	m.met.ActiveSessions.Add(context.Background(), -1)
	m.met.SessionDuration.Record(context.Background(), s.age().Seconds())
	slog.Info("Session reclaimed.",
		"session", s.id,
		"reason", reason,
		"discarded_events", discarded,
		"lifetime", s.age().Round(time.Millisecond),
	)
}

// evict removes s from the table if it is still the registered session for
// its id. The pointer comparison keeps a stale close from removing a
// replacement session created under the same id.
func (m *Manager) evict(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s {
		return false
	}
	delete(m.sessions, s.id)
	return true
}

// sweep reclaims sessions idle past the configured timeout.
func (m *Manager) sweep() {
	for _, s := range m.snapshot() {
		if !s.idleFor(m.cfg.IdleTimeout) {
			continue
		}
		slog.Warn("Reclaiming idle session.", "session", s.id, "idle_timeout", m.cfg.IdleTimeout)
		s.terminal(context.Background(), "session timed out from inactivity", "idle")
		m.reclaim(s, "idle timeout")
	}
}
