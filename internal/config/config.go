// Package config provides the configuration schema, loader, hot-reload
// diffing and file watcher for the sonicbridge server.
package config

// LogLevel controls log verbosity for the sonicbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for sonicbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// both start from [Default] so absent fields keep their documented defaults.
//
// Duration fields are Go duration strings ("5m", "200ms"). [Validate] checks
// that every non-empty one parses and is positive.
type Config struct {
	// LogLevel controls verbosity. Changing it in the file takes effect
	// without a restart when a [Watcher] is running.
	LogLevel LogLevel `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	AWS       AWSConfig       `yaml:"aws"`
	Session   SessionConfig   `yaml:"session"`
	Inference InferenceConfig `yaml:"inference"`
}

// ServerConfig holds network settings for the HTTP/WebSocket server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AWSConfig selects the Bedrock endpoint and model the engine streams
// against.
type AWSConfig struct {
	// Region is the AWS region hosting the model (required).
	Region string `yaml:"region"`

	// Profile optionally names a shared-config profile for credentials.
	// Leave empty to use the default credential chain.
	Profile string `yaml:"profile"`

	// ModelID is the Bedrock model identifier invoked per session.
	ModelID string `yaml:"model_id"`

	// RequestTimeout caps the lifetime of a single bidirectional stream.
	RequestTimeout string `yaml:"request_timeout"`

	// MaxConcurrentStreams bounds parallel HTTP/2 streams to the service.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
}

// SessionConfig holds the per-session defaults applied by the engine.
type SessionConfig struct {
	// SystemPrompt is used when a client's initSession carries no prompt.
	// Empty selects the engine's built-in default.
	SystemPrompt string `yaml:"system_prompt"`

	// VoiceID selects the synthesized voice.
	VoiceID string `yaml:"voice_id"`

	// IdleTimeout is how long a session may stay inactive before the
	// sweeper reclaims it.
	IdleTimeout string `yaml:"idle_timeout"`

	// SweepInterval is the cadence of the idle sweeper.
	SweepInterval string `yaml:"sweep_interval"`

	// QueueBound caps buffered outbound audio chunks per session.
	QueueBound int `yaml:"queue_bound"`

	// TeardownTimeout bounds the ordered close sequence.
	TeardownTimeout string `yaml:"teardown_timeout"`

	// StepDelay is the settling pause between initiation/teardown steps.
	StepDelay string `yaml:"step_delay"`

	// OpenTimeout bounds opening the upstream stream.
	OpenTimeout string `yaml:"open_timeout"`

	// HandshakeTimeout bounds the first frame sent on a fresh stream.
	HandshakeTimeout string `yaml:"handshake_timeout"`
}

// InferenceConfig tunes model generation per session.
type InferenceConfig struct {
	// MaxTokens caps generated tokens per response.
	MaxTokens int `yaml:"max_tokens"`

	// TopP is the nucleus sampling cutoff, in (0, 1].
	TopP float64 `yaml:"top_p"`

	// Temperature is the sampling temperature, ≥ 0.
	Temperature float64 `yaml:"temperature"`
}

// Default returns the documented default configuration. Region is left empty
// on purpose: it has no safe default and [Validate] requires it.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		AWS: AWSConfig{
			ModelID:              "amazon.nova-sonic-v1:0",
			RequestTimeout:       "5m",
			MaxConcurrentStreams: 20,
		},
		Session: SessionConfig{
			VoiceID:          "tiffany",
			IdleTimeout:      "5m",
			SweepInterval:    "60s",
			QueueBound:       200,
			TeardownTimeout:  "5s",
			StepDelay:        "200ms",
			OpenTimeout:      "30s",
			HandshakeTimeout: "15s",
		},
		Inference: InferenceConfig{
			MaxTokens:   1024,
			TopP:        0.9,
			Temperature: 0.7,
		},
	}
}
