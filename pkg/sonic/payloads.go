package sonic

// ── Configuration blocks ───────────────────────────────────────────────────────

// InferenceConfig is the inferenceConfiguration block of sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInferenceConfig returns the service defaults used when a session is
// created without explicit inference settings.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		MaxTokens:   DefaultMaxTokens,
		TopP:        DefaultTopP,
		Temperature: DefaultTemperature,
	}
}

// TextOutputConfig describes the transcript stream the service should emit.
type TextOutputConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioOutputConfig describes the synthesized audio stream: 24 kHz PCM16
// mono, base64-encoded, with the configured voice.
type AudioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// ToolUseOutputConfig describes how the service delivers tool-call payloads.
type ToolUseOutputConfig struct {
	MediaType string `json:"mediaType"`
}

// TextInputConfig describes a TEXT content block sent to the service.
type TextInputConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the microphone stream: 16 kHz PCM16 mono,
// base64-encoded.
type AudioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// ToolResultInputConfig ties a TOOL content block back to the toolUse that
// requested it.
type ToolResultInputConfig struct {
	ToolUseID              string          `json:"toolUseId"`
	Type                   string          `json:"type"`
	TextInputConfiguration TextInputConfig `json:"textInputConfiguration"`
}

// ── Tool configuration ─────────────────────────────────────────────────────────

// InputSchema wraps a tool's JSON Schema. The service expects the schema as
// a string of JSON, not a nested object.
type InputSchema struct {
	JSON string `json:"json"`
}

// ToolSpec declares one callable tool to the model.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// Tool is the toolConfiguration list element wrapping a ToolSpec.
type Tool struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolConfig is the toolConfiguration block of promptStart.
type ToolConfig struct {
	Tools []Tool `json:"tools"`
}

// ── Outbound payloads ──────────────────────────────────────────────────────────

// SessionStartPayload opens a session. It must be the first event on the
// stream.
type SessionStartPayload struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

// PromptStartPayload opens the session's single prompt scope and declares
// output formats and available tools.
type PromptStartPayload struct {
	PromptName                 string               `json:"promptName"`
	TextOutputConfiguration    TextOutputConfig     `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfig    `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration *ToolUseOutputConfig `json:"toolUseOutputConfiguration,omitempty"`
	ToolConfiguration          *ToolConfig          `json:"toolConfiguration,omitempty"`
}

// ContentStartPayload opens a content block. Exactly one of the three input
// configurations is set, matching Type.
type ContentStartPayload struct {
	PromptName                   string                 `json:"promptName"`
	ContentName                  string                 `json:"contentName"`
	Type                         string                 `json:"type"`
	Interactive                  bool                   `json:"interactive"`
	Role                         string                 `json:"role"`
	TextInputConfiguration       *TextInputConfig       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioInputConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfig `json:"toolResultInputConfiguration,omitempty"`
}

// TextInputPayload carries one UTF-8 text chunk inside a TEXT block.
type TextInputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// AudioInputPayload carries one base64 PCM chunk inside an AUDIO block.
type AudioInputPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolResultPayload carries a tool's stringified JSON result inside a TOOL
// block.
type ToolResultPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ContentEndPayload closes a content block. Inbound contentEnd additionally
// carries the block type and a stop reason.
type ContentEndPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`
}

// PromptEndPayload closes the prompt scope.
type PromptEndPayload struct {
	PromptName string `json:"promptName"`
}

// SessionEndPayload closes the session. It carries no fields.
type SessionEndPayload struct{}

// ── Inbound payloads ───────────────────────────────────────────────────────────

// TextOutputPayload is a transcript chunk from the service.
type TextOutputPayload struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	Content     string `json:"content"`
	Role        string `json:"role,omitempty"`
}

// AudioOutputPayload is a synthesized audio chunk, base64 PCM16 at 24 kHz.
type AudioOutputPayload struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	Content     string `json:"content"`
}

// ToolUsePayload asks the gateway to run a tool. Content holds the
// stringified JSON arguments.
type ToolUsePayload struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	ToolUseID   string `json:"toolUseId"`
	ToolName    string `json:"toolName"`
	Content     string `json:"content"`
}

// ExceptionPayload is the body of modelStreamErrorException and
// internalServerException frames.
type ExceptionPayload struct {
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ErrorPayload is the locally synthesized error event delivered to
// per-session handlers and forwarded to clients.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
