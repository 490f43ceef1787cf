// Package engine owns the lifecycle of speech-to-speech sessions.
//
// A [Session] is one conversation: a bounded queue of outbound protocol
// events, the tracking state that makes ordered teardown possible, and a
// handler table inbound events dispatch through. The [Manager] creates
// sessions, seeds the opening protocol sequence, pumps each session's queue
// onto a bedrock stream, fans decoded response events back to handlers, runs
// tool round-trips, and sweeps idle sessions.
//
// The outbound queue prefers freshness over completeness for audio: when the
// configured bound is hit, the oldest buffered audio chunk is dropped.
// Control events (session, prompt, and content boundaries, text, tool
// results) are never dropped.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported by
// external code.
package engine

import (
	"errors"
	"time"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// Defaults applied by [NewManager] for zero Config fields.
const (
	DefaultQueueBound       = 200
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultStepDelay        = 200 * time.Millisecond
	DefaultTeardownTimeout  = 5 * time.Second
	DefaultOpenTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
)

// DefaultSystemPrompt is used for sessions initiated without a custom prompt.
const DefaultSystemPrompt = "You are a friendly assistant. The user and you " +
	"will engage in a spoken dialog exchanging the transcripts of a natural " +
	"real-time conversation. Keep your responses short, generally two or " +
	"three sentences for chatty scenarios."

// ErrInvalidSession is returned by Manager operations that reference a
// session ID the manager does not know.
var ErrInvalidSession = errors.New("engine: invalid session")

// Config holds the tuning knobs of the session engine. Zero values fall back
// to the package defaults above.
type Config struct {
	// SystemPrompt replaces DefaultSystemPrompt for sessions initiated
	// without a per-session prompt override.
	SystemPrompt string

	// VoiceID selects the synthesized voice offered in promptStart.
	// Default: [sonic.DefaultVoiceID].
	VoiceID string

	// Inference carries the sampling parameters sent in sessionStart.
	Inference sonic.InferenceConfig

	// QueueBound caps buffered outbound events per session. When full, the
	// oldest buffered audio chunk is dropped to make room.
	QueueBound int

	// IdleTimeout is how long a session may stay silent in both directions
	// before the sweeper reclaims it.
	IdleTimeout time.Duration

	// SweepInterval is the cadence of the idle sweeper run by [Manager.Run].
	SweepInterval time.Duration

	// StepDelay is the settling pause between protocol steps during
	// initiation and ordered teardown, giving the upstream time to consume
	// each boundary event in order.
	StepDelay time.Duration

	// TeardownTimeout bounds an ordered close; a session still alive
	// afterwards is force-closed.
	TeardownTimeout time.Duration

	// OpenTimeout bounds opening the upstream stream during initiation.
	OpenTimeout time.Duration

	// HandshakeTimeout bounds the first send on a fresh stream. Later sends
	// inherit the stream's own lifetime instead.
	HandshakeTimeout time.Duration
}

// withDefaults returns cfg with zero fields replaced by package defaults.
func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.VoiceID == "" {
		c.VoiceID = sonic.DefaultVoiceID
	}
	if c.Inference == (sonic.InferenceConfig{}) {
		c.Inference = sonic.DefaultInferenceConfig()
	}
	if c.QueueBound <= 0 {
		c.QueueBound = DefaultQueueBound
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StepDelay <= 0 {
		c.StepDelay = DefaultStepDelay
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}
