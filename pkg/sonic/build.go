package sonic

// Constructors for the events the gateway sends. Each returns a ready-to-
// encode Event with the protocol defaults filled in; identifiers come from
// the session's tracking state.

// SessionStartEvent builds the mandatory first event of a stream.
func SessionStartEvent(cfg InferenceConfig) Event {
	return Event{Kind: KindSessionStart, Payload: SessionStartPayload{
		InferenceConfiguration: cfg,
	}}
}

// PromptStartEvent opens the prompt scope with text, audio, and tool output
// configuration. voiceID selects the synthesized voice; tools may be nil.
func PromptStartEvent(promptName, voiceID string, tools []Tool) Event {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	p := PromptStartPayload{
		PromptName: promptName,
		TextOutputConfiguration: TextOutputConfig{
			MediaType: MediaTypeText,
		},
		AudioOutputConfiguration: AudioOutputConfig{
			MediaType:       MediaTypeAudio,
			SampleRateHertz: OutputSampleRateHz,
			SampleSizeBits:  SampleSizeBits,
			ChannelCount:    ChannelCount,
			VoiceID:         voiceID,
			Encoding:        EncodingBase64,
			AudioType:       AudioTypeSpeech,
		},
	}
	if len(tools) > 0 {
		p.ToolUseOutputConfiguration = &ToolUseOutputConfig{MediaType: MediaTypeJSON}
		p.ToolConfiguration = &ToolConfig{Tools: tools}
	}
	return Event{Kind: KindPromptStart, Payload: p}
}

// TextContentStartEvent opens a non-interactive TEXT block with the given
// role (SYSTEM for the system prompt, USER for typed input).
func TextContentStartEvent(promptName, contentName, role string) Event {
	return Event{Kind: KindContentStart, Payload: ContentStartPayload{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   ContentTypeText,
		Interactive:            false,
		Role:                   role,
		TextInputConfiguration: &TextInputConfig{MediaType: MediaTypeText},
	}}
}

// AudioContentStartEvent opens the interactive USER audio block that carries
// the microphone stream for the rest of the session.
func AudioContentStartEvent(promptName, contentName string) Event {
	return Event{Kind: KindContentStart, Payload: ContentStartPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeAudio,
		Interactive: true,
		Role:        RoleUser,
		AudioInputConfiguration: &AudioInputConfig{
			MediaType:       MediaTypeAudio,
			SampleRateHertz: InputSampleRateHz,
			SampleSizeBits:  SampleSizeBits,
			ChannelCount:    ChannelCount,
			AudioType:       AudioTypeSpeech,
			Encoding:        EncodingBase64,
		},
	}}
}

// ToolContentStartEvent opens the TOOL block that answers the toolUse with
// the given ID.
func ToolContentStartEvent(promptName, contentName, toolUseID string) Event {
	return Event{Kind: KindContentStart, Payload: ContentStartPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeTool,
		Interactive: false,
		Role:        RoleTool,
		ToolResultInputConfiguration: &ToolResultInputConfig{
			ToolUseID:              toolUseID,
			Type:                   ContentTypeText,
			TextInputConfiguration: TextInputConfig{MediaType: MediaTypeText},
		},
	}}
}

// TextInputEvent carries one text chunk inside an open TEXT block.
func TextInputEvent(promptName, contentName, content string) Event {
	return Event{Kind: KindTextInput, Payload: TextInputPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}
}

// AudioInputEvent carries one base64 PCM chunk inside the open AUDIO block.
func AudioInputEvent(promptName, contentName, b64 string) Event {
	return Event{Kind: KindAudioInput, Payload: AudioInputPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     b64,
	}}
}

// ToolResultEvent carries a tool's stringified JSON result inside an open
// TOOL block.
func ToolResultEvent(promptName, contentName, content string) Event {
	return Event{Kind: KindToolResult, Payload: ToolResultPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}
}

// ContentEndEvent closes an open content block.
func ContentEndEvent(promptName, contentName string) Event {
	return Event{Kind: KindContentEnd, Payload: ContentEndPayload{
		PromptName:  promptName,
		ContentName: contentName,
	}}
}

// PromptEndEvent closes the prompt scope.
func PromptEndEvent(promptName string) Event {
	return Event{Kind: KindPromptEnd, Payload: PromptEndPayload{PromptName: promptName}}
}

// SessionEndEvent is the mandatory last event of a cleanly closed stream.
func SessionEndEvent() Event {
	return Event{Kind: KindSessionEnd, Payload: SessionEndPayload{}}
}

// ErrorEvent builds the locally synthesized error notification.
func ErrorEvent(message, details string) Event {
	return Event{Kind: KindError, Payload: ErrorPayload{Message: message, Details: details}}
}

// StreamCompleteEvent builds the locally synthesized terminal notification.
func StreamCompleteEvent() Event {
	return Event{Kind: KindStreamComplete, Payload: struct{}{}}
}
