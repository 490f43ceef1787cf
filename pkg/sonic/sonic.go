// Package sonic defines the wire protocol of the bidirectional
// speech-to-speech streaming service and the codec for its frames.
//
// Every frame in both directions is a JSON object with a single top-level
// "event" key whose value holds exactly one entry; the entry's key names the
// event kind and its value carries the kind-specific fields:
//
//	{"event": {"audioInput": {"promptName": "p", "contentName": "c", "content": "…"}}}
//
// Binary PCM audio travels base64-encoded inside the corresponding "content"
// string; there is no binary framing. Decoding preserves unknown kinds so
// that new server-side events flow through to the dispatcher untouched.
package sonic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event kinds emitted by the gateway.
const (
	KindSessionStart = "sessionStart"
	KindPromptStart  = "promptStart"
	KindContentStart = "contentStart"
	KindTextInput    = "textInput"
	KindAudioInput   = "audioInput"
	KindToolResult   = "toolResult"
	KindContentEnd   = "contentEnd"
	KindPromptEnd    = "promptEnd"
	KindSessionEnd   = "sessionEnd"
)

// Event kinds received from the service. contentStart and contentEnd arrive
// in both directions; kinds not listed anywhere (completionStart,
// usageEvent, …) pass through Decode under their literal name.
const (
	KindTextOutput  = "textOutput"
	KindAudioOutput = "audioOutput"
	KindToolUse     = "toolUse"
)

// Out-of-band exception kinds the service may deliver in place of a regular
// event before tearing the stream down.
const (
	KindModelStreamError = "modelStreamErrorException"
	KindInternalError    = "internalServerException"
)

// Kinds synthesized locally by the session engine. They never appear on the
// upstream wire; they exist so per-session handlers receive stream
// completion and error notifications through the same dispatch path.
const (
	KindStreamComplete = "streamComplete"
	KindError          = "error"
)

// Content block types.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"
)

// Content block roles.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Stop reasons carried by inbound contentEnd events.
const (
	StopEndTurn     = "END_TURN"
	StopPartialTurn = "PARTIAL_TURN"
	StopInterrupted = "INTERRUPTED"
)

// Protocol defaults. Sample rates are fixed by the service contract: clients
// send 16 kHz PCM16 mono and receive 24 kHz PCM16 mono.
const (
	DefaultMaxTokens   = 1024
	DefaultTopP        = 0.9
	DefaultTemperature = 0.7
	DefaultVoiceID     = "tiffany"

	InputSampleRateHz  = 16000
	OutputSampleRateHz = 24000
	SampleSizeBits     = 16
	ChannelCount       = 1

	MediaTypeAudio = "audio/lpcm"
	MediaTypeText  = "text/plain"
	MediaTypeJSON  = "application/json"

	AudioTypeSpeech = "SPEECH"
	EncodingBase64  = "base64"
)

// AudioSentinel is four zero bytes of PCM, base64-encoded. The service
// rejects audio content blocks that are closed without ever carrying data
// ("no content data received"); seeding one silent chunk keeps such blocks
// valid. Contractual with the service — do not remove.
var AudioSentinel = base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0})

// Event is one protocol frame, either built locally for sending or decoded
// from the wire. On the build side Payload holds a typed struct from this
// package; after Decode it holds the raw inner JSON object.
type Event struct {
	Kind    string
	Payload any
}

// IsAudio reports whether the event is an audioInput chunk. Audio chunks are
// the only events the outbound queue may drop under backpressure.
func (e Event) IsAudio() bool { return e.Kind == KindAudioInput }

// As unmarshals the event payload into v. It works on decoded events (raw
// JSON payload) and, for symmetry in tests, on locally built ones.
func (e Event) As(v any) error {
	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sonic: marshal %s payload: %w", e.Kind, err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("sonic: unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}

// frame is the wire envelope shared by both directions.
type frame struct {
	Event map[string]json.RawMessage `json:"event"`
}

// Encode serializes the event into its wire frame. A nil payload encodes as
// an empty object, which is what identifier-free events like sessionEnd
// carry.
func Encode(e Event) ([]byte, error) {
	if e.Kind == "" {
		return nil, fmt.Errorf("sonic: encode: event kind is empty")
	}

	inner := json.RawMessage(`{}`)
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("sonic: encode %s: %w", e.Kind, err)
		}
		inner = data
	}

	return json.Marshal(frame{Event: map[string]json.RawMessage{e.Kind: inner}})
}

// Decode parses a wire frame into an Event. The frame must contain exactly
// one inner kind; the kind itself is not validated so unknown server events
// are forwarded under their literal name.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("sonic: decode frame: %w", err)
	}
	if len(f.Event) != 1 {
		return Event{}, fmt.Errorf("sonic: decode frame: want exactly one event kind, got %d", len(f.Event))
	}
	for kind, raw := range f.Event {
		return Event{Kind: kind, Payload: raw}, nil
	}
	return Event{}, fmt.Errorf("sonic: decode frame: empty event object")
}
