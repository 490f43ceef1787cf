package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sonicbridge/internal/bedrock"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// Session is one live conversation. It owns the outbound event queue, the
// bookkeeping that keeps teardown ordered (which prompts and content blocks
// are open upstream), and the handler table inbound events dispatch through.
//
// Sessions are created by [Manager.Create] and must not be shared across
// managers. All methods are safe for concurrent use.
type Session struct {
	mu             sync.Mutex
	active         bool
	audioStarted   bool
	audioSeeded    bool
	systemPrompt   string
	lastActivity   time.Time
	activePrompts  map[string]struct{}
	activeContents map[string]string // content name -> owning prompt name
	toolUse        *sonic.ToolUsePayload
	stream         bedrock.Stream

	// dispatchMu serializes handler invocation so a session's handlers never
	// run concurrently with each other. The table itself has its own lock so
	// registration cannot deadlock against a running handler.
	dispatchMu  sync.Mutex
	handlersMu  sync.Mutex
	handlers    map[string][]Handler
	anyHandlers []Handler

	id             string
	promptName     string
	audioContentID string
	inference      sonic.InferenceConfig
	queue          *eventQueue
	started        time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	deactivateOnce sync.Once
	terminalOnce   sync.Once
	wg             sync.WaitGroup // driver and tool goroutines
}

func newSession(id string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		active:         true,
		systemPrompt:   cfg.SystemPrompt,
		lastActivity:   now,
		activePrompts:  make(map[string]struct{}),
		activeContents: make(map[string]string),
		handlers:       make(map[string][]Handler),
		id:             id,
		promptName:     uuid.NewString(),
		audioContentID: uuid.NewString(),
		inference:      cfg.Inference,
		queue:          newEventQueue(cfg.QueueBound),
		started:        now,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// ID returns the session's identifier as handed to [Manager.Create].
func (s *Session) ID() string { return s.id }

// Active reports whether the session still accepts events.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Done returns a channel closed when the session is deactivated.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetSystemPrompt overrides the prompt sent during initiation. It has no
// effect once [Manager.Initiate] ran.
func (s *Session) SetSystemPrompt(prompt string) {
	if prompt == "" {
		return
	}
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// SystemPrompt returns the prompt the session will open with.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// touch records activity in either direction, postponing the idle sweeper.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idleFor reports whether the session saw no activity for at least d.
func (s *Session) idleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) >= d
}

// age returns how long the session has existed.
func (s *Session) age() time.Duration { return time.Since(s.started) }

// enqueue buffers e for the upstream producer. Events offered to an inactive
// session are refused. droppedOldest reports whether buffering e evicted the
// oldest queued audio chunk.
func (s *Session) enqueue(e sonic.Event) (queued, droppedOldest bool) {
	if !s.Active() {
		return false, false
	}
	return true, s.queue.push(e)
}

// ─── Teardown bookkeeping ────────────────────────────────────────────────────

// trackPrompt records that a promptStart was queued, so teardown knows to
// close it.
func (s *Session) trackPrompt(name string) {
	s.mu.Lock()
	s.activePrompts[name] = struct{}{}
	s.mu.Unlock()
}

// trackContent records an opened content block under its owning prompt.
func (s *Session) trackContent(name, promptName string) {
	s.mu.Lock()
	s.activeContents[name] = promptName
	s.mu.Unlock()
}

// untrackContent forgets a content block, reporting whether this call removed
// it. The remover owns the block's contentEnd: once a racing teardown has
// taken the block via takeContents, the loser must not queue a second one.
func (s *Session) untrackContent(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.activeContents[name]; !open {
		return false
	}
	delete(s.activeContents, name)
	return true
}

// takeContents removes and returns every content block still open.
func (s *Session) takeContents() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.activeContents
	s.activeContents = make(map[string]string)
	return out
}

// takePrompts removes and returns every prompt still open.
func (s *Session) takePrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activePrompts))
	for name := range s.activePrompts {
		out = append(out, name)
	}
	s.activePrompts = make(map[string]struct{})
	return out
}

// markAudioStarted flags that the audio content block was queued upstream,
// unblocking [Manager.StreamAudio].
func (s *Session) markAudioStarted() {
	s.mu.Lock()
	s.audioStarted = true
	s.mu.Unlock()
}

// audioReady reports whether audio chunks may be forwarded.
func (s *Session) audioReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.audioStarted
}

// markAudioSeeded flags that at least one chunk entered the queue for the
// audio block, satisfying the upstream's content-data rule.
func (s *Session) markAudioSeeded() {
	s.mu.Lock()
	s.audioSeeded = true
	s.mu.Unlock()
}

// needsAudioSeed reports whether the audio block was announced upstream but
// never carried a chunk. Teardown primes such a block before closing it.
func (s *Session) needsAudioSeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioStarted && !s.audioSeeded
}

// ─── Tool round-trip scratch ─────────────────────────────────────────────────

// noteToolUse stashes the latest toolUse payload until its content block ends.
func (s *Session) noteToolUse(p sonic.ToolUsePayload) {
	s.mu.Lock()
	s.toolUse = &p
	s.mu.Unlock()
}

// takeToolUse consumes the stashed toolUse payload, if any.
func (s *Session) takeToolUse() (sonic.ToolUsePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolUse == nil {
		return sonic.ToolUsePayload{}, false
	}
	p := *s.toolUse
	s.toolUse = nil
	return p, true
}

// ─── Stream plumbing ─────────────────────────────────────────────────────────

// setStream binds the upstream stream once initiation opened it.
func (s *Session) setStream(st bedrock.Stream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// hasStream reports whether initiation bound an upstream stream.
func (s *Session) hasStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// closeStream tears down the bound stream, if any. Safe to call repeatedly;
// the stream's own Close is idempotent.
func (s *Session) closeStream() {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// deactivate flips the session inactive, cancels its context and releases
// everyone waiting on [Session.Done]. Idempotent.
func (s *Session) deactivate() {
	s.deactivateOnce.Do(func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
}
