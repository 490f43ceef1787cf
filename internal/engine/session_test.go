package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// newTestSession builds a session with a small queue and the rest defaulted.
func newTestSession() *Session {
	return newSession("test-session", Config{QueueBound: 8}.withDefaults())
}

// ─── TestSession_EnqueueRefusedAfterDeactivate ───────────────────────────────

func TestSession_EnqueueRefusedAfterDeactivate(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	if ok, _ := s.enqueue(sonic.SessionEndEvent()); !ok {
		t.Fatal("enqueue on an active session must succeed")
	}

	s.deactivate()
	s.deactivate() // idempotent

	if ok, _ := s.enqueue(sonic.SessionEndEvent()); ok {
		t.Fatal("enqueue on a deactivated session must be refused")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed after deactivate")
	}
	if s.Active() {
		t.Fatal("Active() should be false after deactivate")
	}
}

// ─── TestSession_DispatchOrder ───────────────────────────────────────────────

func TestSession_DispatchOrder(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	var order []string
	s.OnAny(func(ctx context.Context, e sonic.Event) error {
		order = append(order, "any")
		return nil
	})
	s.OnEvent(sonic.KindTextOutput, func(ctx context.Context, e sonic.Event) error {
		order = append(order, "kind")
		return nil
	})
	s.OnEvent(sonic.KindAudioOutput, func(ctx context.Context, e sonic.Event) error {
		order = append(order, "other-kind")
		return nil
	})

	s.dispatch(context.Background(), sonic.Event{Kind: sonic.KindTextOutput})

	// Kind handlers run before any-handlers; unrelated kinds stay silent.
	if len(order) != 2 || order[0] != "kind" || order[1] != "any" {
		t.Fatalf("dispatch order: want [kind any], got %v", order)
	}
}

// ─── TestSession_DispatchIsolatesPanics ──────────────────────────────────────

func TestSession_DispatchIsolatesPanics(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	ran := false
	s.OnEvent(sonic.KindTextOutput, func(ctx context.Context, e sonic.Event) error {
		panic("subscriber bug")
	})
	s.OnEvent(sonic.KindTextOutput, func(ctx context.Context, e sonic.Event) error {
		ran = true
		return nil
	})

	s.dispatch(context.Background(), sonic.Event{Kind: sonic.KindTextOutput})

	if !ran {
		t.Fatal("a panicking handler must not starve later handlers")
	}
}

// ─── TestSession_DispatchContinuesPastErrors ─────────────────────────────────

func TestSession_DispatchContinuesPastErrors(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	ran := false
	s.OnAny(func(ctx context.Context, e sonic.Event) error {
		return errors.New("subscriber failed")
	})
	s.OnAny(func(ctx context.Context, e sonic.Event) error {
		ran = true
		return nil
	})

	s.dispatch(context.Background(), sonic.Event{Kind: sonic.KindAudioOutput})

	if !ran {
		t.Fatal("a failing handler must not starve later handlers")
	}
}

// ─── TestSession_TerminalDeliversOnce ────────────────────────────────────────

func TestSession_TerminalDeliversOnce(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	var kinds []string
	s.OnAny(func(ctx context.Context, e sonic.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	s.terminal(context.Background(), "stream blew up", "modelStreamErrorException")
	s.terminal(context.Background(), "", "") // must be swallowed
	s.terminal(context.Background(), "another failure", "x")

	want := []string{sonic.KindError, sonic.KindStreamComplete}
	if len(kinds) != len(want) {
		t.Fatalf("terminal events: want %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("terminal events: want %v, got %v", want, kinds)
		}
	}
}

// ─── TestSession_CleanTerminalSkipsError ─────────────────────────────────────

func TestSession_CleanTerminalSkipsError(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	var kinds []string
	s.OnAny(func(ctx context.Context, e sonic.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	s.terminal(context.Background(), "", "")

	if len(kinds) != 1 || kinds[0] != sonic.KindStreamComplete {
		t.Fatalf("clean terminal: want [streamComplete], got %v", kinds)
	}
}

// ─── TestSession_IdleTracking ────────────────────────────────────────────────

func TestSession_IdleTracking(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	if !s.idleFor(30 * time.Minute) {
		t.Fatal("session silent for an hour should be idle at 30m")
	}

	s.touch()
	if s.idleFor(30 * time.Minute) {
		t.Fatal("touch must reset the idle clock")
	}
}

// ─── TestSession_TeardownBookkeeping ─────────────────────────────────────────

func TestSession_TeardownBookkeeping(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	s.trackPrompt("p1")
	s.trackContent("c1", "p1")
	s.trackContent("c2", "p1")
	s.untrackContent("c1")

	contents := s.takeContents()
	if len(contents) != 1 {
		t.Fatalf("open contents: want 1, got %d", len(contents))
	}
	if prompt, ok := contents["c2"]; !ok || prompt != "p1" {
		t.Fatalf("open contents: want c2 under p1, got %v", contents)
	}
	if again := s.takeContents(); len(again) != 0 {
		t.Fatalf("takeContents must clear: got %v", again)
	}

	prompts := s.takePrompts()
	if len(prompts) != 1 || prompts[0] != "p1" {
		t.Fatalf("open prompts: want [p1], got %v", prompts)
	}
	if again := s.takePrompts(); len(again) != 0 {
		t.Fatalf("takePrompts must clear: got %v", again)
	}
}

// ─── TestSession_ContentCloseHandoff ─────────────────────────────────────────

func TestSession_ContentCloseHandoff(t *testing.T) {
	t.Parallel()

	s := newTestSession()

	// Whoever removes a block from the tracking set owns its contentEnd.
	s.trackContent("c1", "p1")
	if !s.untrackContent("c1") {
		t.Fatal("first untrack must win the block")
	}
	if s.untrackContent("c1") {
		t.Fatal("second untrack must report the block already closed")
	}

	// A teardown that took the block leaves nothing for the opener to close,
	// so the same block can never produce two contentEnd events.
	s.trackContent("c2", "p1")
	if taken := s.takeContents(); len(taken) != 1 {
		t.Fatalf("takeContents: want the one open block, got %v", taken)
	}
	if s.untrackContent("c2") {
		t.Fatal("untrack after takeContents must not claim the block again")
	}
}

// ─── TestSession_ToolScratchConsumedOnce ─────────────────────────────────────

func TestSession_ToolScratchConsumedOnce(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	if _, ok := s.takeToolUse(); ok {
		t.Fatal("fresh session should hold no toolUse")
	}

	s.noteToolUse(sonic.ToolUsePayload{ToolUseID: "t1", ToolName: "getWeatherTool", Content: "{}"})
	use, ok := s.takeToolUse()
	if !ok || use.ToolUseID != "t1" || use.ToolName != "getWeatherTool" {
		t.Fatalf("takeToolUse: want t1/getWeatherTool, got %+v ok=%v", use, ok)
	}
	if _, ok := s.takeToolUse(); ok {
		t.Fatal("toolUse scratch must be consumed exactly once")
	}
}

// ─── TestSession_AudioGate ───────────────────────────────────────────────────

func TestSession_AudioGate(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	if s.audioReady() {
		t.Fatal("audio must not be ready before the audio block is announced")
	}
	s.markAudioStarted()
	if !s.audioReady() {
		t.Fatal("audio should be ready after markAudioStarted")
	}
	s.deactivate()
	if s.audioReady() {
		t.Fatal("audio must not be ready on a deactivated session")
	}
}

// ─── TestSession_AudioSeedTracking ───────────────────────────────────────────

func TestSession_AudioSeedTracking(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	if s.needsAudioSeed() {
		t.Fatal("an unannounced audio block needs no seed")
	}

	s.markAudioStarted()
	if !s.needsAudioSeed() {
		t.Fatal("an announced block without chunks must report needing a seed")
	}

	s.markAudioSeeded()
	if s.needsAudioSeed() {
		t.Fatal("a seeded block must not ask for another chunk")
	}
}

// ─── TestSession_SystemPromptOverride ────────────────────────────────────────

func TestSession_SystemPromptOverride(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	if s.SystemPrompt() != DefaultSystemPrompt {
		t.Fatalf("default prompt: want the package default, got %q", s.SystemPrompt())
	}

	s.SetSystemPrompt("You are a pirate.")
	if got := s.SystemPrompt(); got != "You are a pirate." {
		t.Fatalf("overridden prompt: got %q", got)
	}

	s.SetSystemPrompt("")
	if got := s.SystemPrompt(); got != "You are a pirate." {
		t.Fatalf("empty override must be ignored, got %q", got)
	}
}
