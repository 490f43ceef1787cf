package engine

import (
	"testing"
	"time"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// audioChunk builds a queued audio event whose payload carries tag, so tests
// can tell chunks apart after popping.
func audioChunk(tag string) sonic.Event {
	return sonic.AudioInputEvent("p", "audio", tag)
}

func chunkTag(t *testing.T, e sonic.Event) string {
	t.Helper()
	p, ok := e.Payload.(sonic.AudioInputPayload)
	if !ok {
		t.Fatalf("payload type: want AudioInputPayload, got %T", e.Payload)
	}
	return p.Content
}

// ─── TestQueue_FIFO ──────────────────────────────────────────────────────────

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8)
	q.push(sonic.SessionStartEvent(sonic.DefaultInferenceConfig()))
	q.push(sonic.TextInputEvent("p", "c", "hello"))
	q.push(audioChunk("a1"))

	wantKinds := []string{sonic.KindSessionStart, sonic.KindTextInput, sonic.KindAudioInput}
	for i, want := range wantKinds {
		e, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: queue unexpectedly empty", i)
		}
		if e.Kind != want {
			t.Fatalf("pop %d: want kind %q, got %q", i, want, e.Kind)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty after popping everything")
	}
}

// ─── TestQueue_DropsOldestAudioAtBound ───────────────────────────────────────

func TestQueue_DropsOldestAudioAtBound(t *testing.T) {
	t.Parallel()

	q := newEventQueue(3)
	q.push(audioChunk("a1"))
	q.push(sonic.TextInputEvent("p", "c", "control"))
	q.push(audioChunk("a2"))

	// Queue is at its bound; the next push must evict a1, the oldest audio.
	if dropped := q.push(audioChunk("a3")); !dropped {
		t.Fatal("push at bound: want droppedOldest=true")
	}

	e1, _ := q.pop()
	if e1.Kind != sonic.KindTextInput {
		t.Fatalf("head after eviction: want %q, got %q", sonic.KindTextInput, e1.Kind)
	}
	e2, _ := q.pop()
	if got := chunkTag(t, e2); got != "a2" {
		t.Fatalf("second: want chunk a2, got %q", got)
	}
	e3, _ := q.pop()
	if got := chunkTag(t, e3); got != "a3" {
		t.Fatalf("third: want chunk a3, got %q", got)
	}

	_, dropped := q.counts()
	if dropped != 1 {
		t.Fatalf("dropped count: want 1, got %d", dropped)
	}
}

// ─── TestQueue_ControlNeverDropped ───────────────────────────────────────────

func TestQueue_ControlNeverDropped(t *testing.T) {
	t.Parallel()

	q := newEventQueue(2)
	q.push(sonic.PromptEndEvent("p"))
	q.push(sonic.SessionEndEvent())

	// No audio is buffered, so the bound must stretch rather than drop.
	if dropped := q.push(sonic.TextInputEvent("p", "c", "x")); dropped {
		t.Fatal("control push: want no eviction when queue holds no audio")
	}
	if n := q.len(); n != 3 {
		t.Fatalf("queue length: want 3, got %d", n)
	}
}

// ─── TestQueue_PeekKind ──────────────────────────────────────────────────────

func TestQueue_PeekKind(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8)
	if _, ok := q.peekKind(); ok {
		t.Fatal("peek on an empty queue should report nothing")
	}

	q.push(sonic.SessionStartEvent(sonic.DefaultInferenceConfig()))
	q.push(audioChunk("a1"))

	kind, ok := q.peekKind()
	if !ok || kind != sonic.KindSessionStart {
		t.Fatalf("peek: want head %q, got %q (ok=%v)", sonic.KindSessionStart, kind, ok)
	}
	if n := q.len(); n != 2 {
		t.Fatalf("peek must not consume, length: want 2, got %d", n)
	}
}

// ─── TestQueue_WakeSignal ────────────────────────────────────────────────────

func TestQueue_WakeSignal(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8)

	select {
	case <-q.wake:
		t.Fatal("wake before any push")
	default:
	}

	q.push(sonic.SessionEndEvent())
	q.push(sonic.SessionEndEvent()) // coalesces into the single buffered token

	select {
	case <-q.wake:
	case <-time.After(time.Second):
		t.Fatal("no wake token after push")
	}
	select {
	case <-q.wake:
		t.Fatal("wake tokens must coalesce, got a second one")
	default:
	}
}

// ─── TestQueue_EmptiedTracksContent ──────────────────────────────────────────

func TestQueue_EmptiedTracksContent(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8)

	select {
	case <-q.emptied():
		// A fresh queue is empty. ✓
	default:
		t.Fatal("emptied() should be closed on a fresh queue")
	}

	q.push(sonic.SessionEndEvent())
	select {
	case <-q.emptied():
		t.Fatal("emptied() should block while the queue holds events")
	default:
	}

	q.pop()
	select {
	case <-q.emptied():
	case <-time.After(time.Second):
		t.Fatal("emptied() should close once the queue drains")
	}
}

// ─── TestQueue_DrainDiscardsEverything ───────────────────────────────────────

func TestQueue_DrainDiscardsEverything(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8)
	q.push(audioChunk("a1"))
	q.push(sonic.SessionEndEvent())

	if n := q.drain(); n != 2 {
		t.Fatalf("drain: want 2 discarded, got %d", n)
	}
	if n := q.len(); n != 0 {
		t.Fatalf("length after drain: want 0, got %d", n)
	}
	select {
	case <-q.emptied():
	default:
		t.Fatal("emptied() should be closed after drain")
	}
	if n := q.drain(); n != 0 {
		t.Fatalf("second drain: want 0, got %d", n)
	}
}
