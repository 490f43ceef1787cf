package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/sonicbridge/internal/resilience"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// WeatherToolName is the model-facing name of the built-in weather tool.
const WeatherToolName = "getWeatherTool"

const (
	// defaultForecastBaseURL is the Open-Meteo API endpoint used when no
	// override is configured.
	defaultForecastBaseURL = "https://api.open-meteo.com"

	// forecastTimeout bounds a single forecast lookup end to end.
	forecastTimeout = 5 * time.Second

	// maxForecastBody caps how much of the forecast response is read.
	maxForecastBody = 1 << 20
)

// coordinate is a WGS84 latitude or longitude. The speech model emits tool
// arguments with coordinates sometimes as JSON numbers and sometimes as
// strings, so both forms decode.
type coordinate float64

func (c *coordinate) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*c = coordinate(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("coordinate must be a number or a numeric string, got %s", data)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	*c = coordinate(f)
	return nil
}

// weatherArgs is the JSON-decoded input for the weather tool.
type weatherArgs struct {
	Latitude  coordinate `json:"latitude"`
	Longitude coordinate `json:"longitude"`
}

// weatherTool performs forecast lookups against an Open-Meteo-compatible API.
type weatherTool struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// WeatherOption customises the weather tool.
type WeatherOption func(*weatherTool)

// WithForecastBaseURL points the tool at a different forecast API endpoint,
// e.g. a self-hosted Open-Meteo instance or a test server.
func WithForecastBaseURL(base string) WeatherOption {
	return func(wt *weatherTool) {
		wt.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for forecast lookups.
func WithHTTPClient(c *http.Client) WeatherOption {
	return func(wt *weatherTool) {
		wt.client = c
	}
}

// WithBreaker replaces the circuit breaker guarding the forecast API.
func WithBreaker(cb *resilience.CircuitBreaker) WeatherOption {
	return func(wt *weatherTool) {
		wt.breaker = cb
	}
}

// NewWeatherTool returns the built-in weather tool.
func NewWeatherTool(opts ...WeatherOption) Tool {
	wt := &weatherTool{
		baseURL: defaultForecastBaseURL,
		client:  &http.Client{Timeout: forecastTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "open-meteo",
		}),
	}
	for _, opt := range opts {
		opt(wt)
	}

	return Tool{
		Spec: sonic.ToolSpec{
			Name:        WeatherToolName,
			Description: "Get the current weather for a given location, based on its WGS84 coordinates.",
			InputSchema: sonic.InputSchema{
				JSON: `{"type":"object","properties":{` +
					`"latitude":{"type":"string","description":"Geographical WGS84 latitude of the location."},` +
					`"longitude":{"type":"string","description":"Geographical WGS84 longitude of the location."}` +
					`},"required":["latitude","longitude"]}`,
			},
		},
		Handler: wt.handle,
	}
}

// handle implements the weather tool: one GET against the forecast API, the
// decoded body wrapped under a "weather_data" key.
func (wt *weatherTool) handle(ctx context.Context, args string) (string, error) {
	var a weatherArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: parse weather arguments: %w", err)
	}

	u, err := url.Parse(wt.baseURL + "/v1/forecast")
	if err != nil {
		return "", fmt.Errorf("tools: invalid forecast base URL %q: %w", wt.baseURL, err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(float64(a.Latitude), 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(float64(a.Longitude), 'f', -1, 64))
	q.Set("current_weather", "true")
	u.RawQuery = q.Encode()

	var body []byte
	err = wt.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("build forecast request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := wt.client.Do(req)
		if err != nil {
			return fmt.Errorf("forecast request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("forecast API returned %s", resp.Status)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxForecastBody))
		if err != nil {
			return fmt.Errorf("read forecast response: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("tools: weather lookup failed: %w", err)
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("tools: decode forecast response: %w", err)
	}

	res, err := json.Marshal(map[string]any{"weather_data": data})
	if err != nil {
		return "", fmt.Errorf("tools: encode weather result: %w", err)
	}
	return string(res), nil
}
