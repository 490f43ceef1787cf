// Package health reports process liveness and service readiness.
//
//   - GET /healthz — liveness; a process that can answer is alive, so the
//     endpoint always returns 200.
//   - GET /readyz  — readiness; every vital probe must pass for a 200.
//     Failing advisory probes mark the report "degraded" without pulling
//     the bridge out of rotation.
//
// Probes run concurrently under a shared per-probe timeout, and the JSON
// report carries each probe's outcome and duration:
//
//	{"status":"degraded","probes":{"sessions":{"status":"ok","took":"41µs"},
//	"forecast":{"status":"fail","error":"circuit open","took":"12µs"}}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/sonicbridge/internal/resilience"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Report status values, from best to worst.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// Probe is one named readiness condition.
type Probe struct {
	// Name keys the probe's outcome in the readiness report.
	Name string

	// Vital marks a condition the service cannot work without. A failing
	// vital probe makes /readyz return 503; a failing advisory probe only
	// degrades the report.
	Vital bool

	// Run evaluates the condition. It must respect ctx cancellation and
	// return nil when the condition holds.
	Run func(ctx context.Context) error
}

// SessionCapacity is a vital probe reporting whether the engine can still
// accept sessions. A limit of zero or less means unlimited.
func SessionCapacity(count func() int, limit int) Probe {
	return Probe{
		Name:  "sessions",
		Vital: true,
		Run: func(context.Context) error {
			if limit <= 0 {
				return nil
			}
			if n := count(); n >= limit {
				return fmt.Errorf("at capacity: %d of %d live sessions", n, limit)
			}
			return nil
		},
	}
}

// Breaker is an advisory probe surfacing a circuit breaker's state: an open
// circuit degrades readiness without failing it, since the rest of the bridge
// keeps working while the guarded dependency recovers.
func Breaker(name string, state func() resilience.State) Probe {
	return Probe{
		Name: name,
		Run: func(context.Context) error {
			if state() == resilience.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		},
	}
}

// outcome is one probe's portion of the readiness report.
type outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Took   string `json:"took"`
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string             `json:"status"`
	Probes map[string]outcome `json:"probes,omitempty"`
}

// Handler serves the health endpoints over a fixed set of probes. It is safe
// for concurrent use.
type Handler struct {
	probes []Probe
}

// New returns a Handler that evaluates the given probes on every /readyz
// request.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Register mounts the health endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers liveness. A process able to serve the request is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: statusOK})
}

// Readyz evaluates every probe concurrently and aggregates the outcomes:
// all passing yields "ok", failing advisory probes yield "degraded" (still
// 200), and any failing vital probe yields "fail" with 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]outcome, len(h.probes))

	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()

			start := time.Now()
			err := p.Run(ctx)
			res := outcome{
				Status: statusOK,
				Took:   time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				res.Status = statusFail
				res.Error = err.Error()
			}
			outcomes[i] = res
		}()
	}
	wg.Wait()

	rep := report{Status: statusOK, Probes: make(map[string]outcome, len(h.probes))}
	code := http.StatusOK
	for i, p := range h.probes {
		rep.Probes[p.Name] = outcomes[i]
		if outcomes[i].Status == statusOK {
			continue
		}
		if p.Vital {
			rep.Status = statusFail
			code = http.StatusServiceUnavailable
		} else if rep.Status == statusOK {
			rep.Status = statusDegraded
		}
	}

	writeJSON(w, code, rep)
}

// writeJSON marshals v before touching the response, so an encoding failure
// can still produce a clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
