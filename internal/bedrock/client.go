// Package bedrock opens bidirectional speech-to-speech streams against the
// Amazon Bedrock runtime.
//
// The package wraps the InvokeModelWithBidirectionalStream operation behind
// two narrow interfaces: [Opener] hands out live streams and [Stream] moves
// opaque protocol frames in both directions. Nothing here interprets frame
// contents — session semantics live in internal/engine, and the mock
// subpackage stands in for the service in tests.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// Defaults applied by NewWithRuntime when the corresponding Config field is
// zero.
const (
	DefaultModelID              = "amazon.nova-sonic-v1:0"
	DefaultRequestTimeout       = 5 * time.Minute
	DefaultMaxConcurrentStreams = 20
)

// ErrTooManyStreams is returned by OpenStream when MaxConcurrentStreams
// conversations are already live on this client. New sessions are rejected
// rather than queued behind running ones.
var ErrTooManyStreams = errors.New("bedrock: concurrent stream limit reached")

// Config holds the connection settings for the Bedrock runtime.
type Config struct {
	// Region is the AWS region hosting the model. Required.
	Region string

	// Profile optionally selects a shared-config credentials profile.
	Profile string

	// ModelID is the Bedrock model identifier streams are opened against.
	ModelID string

	// RequestTimeout caps the lifetime of a single bidirectional stream.
	// The service enforces a comparable cap on its side.
	RequestTimeout time.Duration

	// MaxConcurrentStreams caps the number of simultaneously open streams.
	MaxConcurrentStreams int
}

// RuntimeAPI is the slice of the Bedrock runtime client this package uses.
type RuntimeAPI interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// Opener hands out live bidirectional streams. It is the seam the session
// engine depends on.
type Opener interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// Client opens bidirectional streams against one Bedrock model.
type Client struct {
	api            RuntimeAPI
	modelID        string
	requestTimeout time.Duration
	slots          chan struct{}
}

// New resolves AWS credentials from the environment (and the optional shared
// profile) and returns a ready Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("bedrock: region is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewWithRuntime(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewWithRuntime wraps an existing runtime client. Tests use it to slot in a
// fake [RuntimeAPI].
func NewWithRuntime(api RuntimeAPI, cfg Config) *Client {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	return &Client{
		api:            api,
		modelID:        cfg.ModelID,
		requestTimeout: cfg.RequestTimeout,
		slots:          make(chan struct{}, cfg.MaxConcurrentStreams),
	}
}

// ModelID returns the model identifier streams are opened against.
func (c *Client) ModelID() string { return c.modelID }

// OpenStream starts one InvokeModelWithBidirectionalStream call and returns
// the live stream. ctx bounds the open itself; the stream's own lifetime is
// bounded by RequestTimeout and ends early on Close. Each stream occupies a
// concurrency slot until Close.
func (c *Client) OpenStream(ctx context.Context) (Stream, error) {
	select {
	case c.slots <- struct{}{}:
	default:
		return nil, ErrTooManyStreams
	}
	release := func() { <-c.slots }

	// The stream must outlive the open deadline, so the SDK call runs on a
	// detached context carrying only the conversation-lifetime timeout. ctx
	// still aborts an open that is in flight.
	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	opened := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-opened:
				// The open finished first; the stream owns its lifetime now.
			default:
				cancel()
			}
		case <-opened:
		}
	}()

	out, err := c.api.InvokeModelWithBidirectionalStream(streamCtx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(c.modelID),
	})
	close(opened)
	if err != nil {
		cancel()
		release()
		return nil, fmt.Errorf("bedrock: open stream: %w", err)
	}

	slog.Debug("Bedrock stream opened.", "model_id", c.modelID)
	return newStream(streamCtx, out.GetStream(), func() {
		cancel()
		release()
	}), nil
}

// Ensure Client implements Opener at compile time.
var _ Opener = (*Client)(nil)
