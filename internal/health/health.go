// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs the
// registered checks — in loquax these probe Postgres and the transcription
// and LLM backends — and answers 503 as soon as one fails, with per-check
// latency in the body so a model loading for seconds is visible.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// probeTimeout bounds each individual readiness check.
const probeTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil while the
// dependency is usable and must respect ctx cancellation.
type Checker struct {
	// Name keys the check in the JSON body, e.g. "postgres" or "llm".
	Name string

	Check func(ctx context.Context) error
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction; Handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler that runs the given checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and answers 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		outcome, ok := h.run(r.Context(), c)
		rep.Checks[c.Name] = outcome
		if !ok {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, rep)
}

// run executes one check under the probe timeout and formats its outcome
// with the measured latency.
func (h *Handler) run(ctx context.Context, c Checker) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return fmt.Sprintf("fail (%s): %s", elapsed, err), false
	}
	return fmt.Sprintf("ok (%s)", elapsed), true
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
