package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// DateTimeToolName is the model-facing name of the built-in date/time tool.
const DateTimeToolName = "getDateAndTimeTool"

const (
	// referenceZone is the IANA timezone all date/time answers are given in.
	referenceZone = "America/Los_Angeles"

	// referenceZoneLabel is the timezone label reported to the model.
	referenceZoneLabel = "PST"
)

// dateTimeResult is the JSON-encoded output of the date/time tool.
type dateTimeResult struct {
	// FormattedTime is the current wall-clock time in 12-hour notation,
	// e.g. "02:35 PM".
	FormattedTime string `json:"formattedTime"`

	// Date is the current date in ISO form, e.g. "2025-11-03".
	Date string `json:"date"`

	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`

	// DayOfWeek is the upper-cased English weekday name, e.g. "MONDAY".
	DayOfWeek string `json:"dayOfWeek"`

	// Timezone is always [referenceZoneLabel].
	Timezone string `json:"timezone"`
}

// dateTimeResultAt derives the tool result from the given instant, which must
// already be localised to the reference timezone.
func dateTimeResultAt(now time.Time) dateTimeResult {
	return dateTimeResult{
		FormattedTime: now.Format("03:04 PM"),
		Date:          now.Format("2006-01-02"),
		Year:          now.Year(),
		Month:         int(now.Month()),
		Day:           now.Day(),
		DayOfWeek:     strings.ToUpper(now.Weekday().String()),
		Timezone:      referenceZoneLabel,
	}
}

// dateTimeHandler implements the date/time tool. It takes no arguments.
func dateTimeHandler(_ context.Context, _ string) (string, error) {
	loc, err := time.LoadLocation(referenceZone)
	if err != nil {
		return "", fmt.Errorf("tools: load timezone %s: %w", referenceZone, err)
	}

	res, err := json.Marshal(dateTimeResultAt(time.Now().In(loc)))
	if err != nil {
		return "", fmt.Errorf("tools: encode date/time result: %w", err)
	}
	return string(res), nil
}

// NewDateTimeTool returns the built-in date/time tool.
func NewDateTimeTool() Tool {
	return Tool{
		Spec: sonic.ToolSpec{
			Name:        DateTimeToolName,
			Description: "Get information about the current date and time.",
			InputSchema: sonic.InputSchema{
				JSON: `{"type":"object","properties":{},"required":[]}`,
			},
		},
		Handler: dateTimeHandler,
	}
}
