package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
)

// Fault buckets a stream error by how the caller should react.
type Fault int

const (
	// FaultNone means no error.
	FaultNone Fault = iota

	// FaultTransient marks interruptions worth a fresh session: the model
	// stream broke mid-conversation or the request was throttled.
	FaultTransient

	// FaultInternal marks service-side failures a quick retry is unlikely to
	// fix.
	FaultInternal

	// FaultInvalid marks requests the service rejected, usually a protocol
	// sequence violation.
	FaultInvalid

	// FaultTimeout marks deadline expiry, local or remote.
	FaultTimeout

	// FaultCanceled marks local context cancellation, typically shutdown.
	FaultCanceled

	// FaultUnknown is everything else.
	FaultUnknown
)

// String returns the fault name for logs and metric attributes.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultTransient:
		return "transient"
	case FaultInternal:
		return "internal"
	case FaultInvalid:
		return "invalid"
	case FaultTimeout:
		return "timeout"
	case FaultCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify maps a stream error onto a [Fault] plus a message suitable for
// forwarding to a client. The error's raw text stays in logs, not in the
// returned message.
func Classify(err error) (Fault, string) {
	if err == nil {
		return FaultNone, ""
	}

	var (
		streamErr  *types.ModelStreamErrorException
		internal   *types.InternalServerException
		validation *types.ValidationException
		throttled  *types.ThrottlingException
		modelSlow  *types.ModelTimeoutException
	)
	switch {
	case errors.As(err, &streamErr):
		return FaultTransient, "model stream interrupted, please retry"
	case errors.As(err, &throttled):
		return FaultTransient, "request throttled, please retry shortly"
	case errors.As(err, &internal):
		return FaultInternal, "speech service internal error"
	case errors.As(err, &validation):
		return FaultInvalid, "request rejected by the speech service"
	case errors.As(err, &modelSlow):
		return FaultTimeout, "model timed out processing the conversation"
	case errors.Is(err, context.DeadlineExceeded):
		return FaultTimeout, "stream deadline exceeded"
	case errors.Is(err, context.Canceled):
		return FaultCanceled, "stream canceled"
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return FaultUnknown, "speech service error: " + apiErr.ErrorCode()
	}
	return FaultUnknown, "stream error"
}
