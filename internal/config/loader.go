package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result, so absent fields keep their defaults. Unknown YAML keys are
// rejected. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects a
// config merged over [Default], so zero values that have defaults are treated
// as deliberate (and invalid where a positive value is required).
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// AWS
	if cfg.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region is required"))
	}
	if cfg.AWS.ModelID == "" {
		errs = append(errs, errors.New("aws.model_id is required"))
	}
	if cfg.AWS.MaxConcurrentStreams < 1 {
		errs = append(errs, fmt.Errorf("aws.max_concurrent_streams %d must be positive", cfg.AWS.MaxConcurrentStreams))
	}
	validateDuration(&errs, "aws.request_timeout", cfg.AWS.RequestTimeout)

	// Session
	if cfg.Session.QueueBound < 1 {
		errs = append(errs, fmt.Errorf("session.queue_bound %d must be positive", cfg.Session.QueueBound))
	}
	validateDuration(&errs, "session.idle_timeout", cfg.Session.IdleTimeout)
	validateDuration(&errs, "session.sweep_interval", cfg.Session.SweepInterval)
	validateDuration(&errs, "session.teardown_timeout", cfg.Session.TeardownTimeout)
	validateDuration(&errs, "session.step_delay", cfg.Session.StepDelay)
	validateDuration(&errs, "session.open_timeout", cfg.Session.OpenTimeout)
	validateDuration(&errs, "session.handshake_timeout", cfg.Session.HandshakeTimeout)

	// Inference
	if cfg.Inference.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("inference.max_tokens %d must be positive", cfg.Inference.MaxTokens))
	}
	if cfg.Inference.TopP <= 0 || cfg.Inference.TopP > 1 {
		errs = append(errs, fmt.Errorf("inference.top_p %.3f is out of range (0, 1]", cfg.Inference.TopP))
	}
	if cfg.Inference.Temperature < 0 {
		errs = append(errs, fmt.Errorf("inference.temperature %.3f must not be negative", cfg.Inference.Temperature))
	}

	return errors.Join(errs...)
}

// validateDuration appends an error when value is a non-empty string that is
// not a positive Go duration.
func validateDuration(errs *[]error, field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not a valid duration", field, value))
		return
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s %q must be positive", field, value))
	}
}
