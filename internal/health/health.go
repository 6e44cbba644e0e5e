// Package health serves the liveness and readiness probes for the Voxline
// server.
//
// Liveness (/healthz) answers 200 whenever the process can serve HTTP.
// Readiness (/readyz) probes every registered dependency, such as the
// Postgres pool, and answers 503 until all of them pass, so load balancers
// hold traffic back while the server is degraded.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness probe. A hung dependency must not
// stall the whole /readyz response.
const checkTimeout = 5 * time.Second

// Checker probes one dependency by name. Check returns nil when the
// dependency can serve traffic and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the per-dependency entry in the /readyz response body.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// result is the response body for both probe endpoints.
type result struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker set is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers. Checkers run concurrently
// on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200. A process that reaches this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker and answers 200 only when all of them pass.
// Each check gets its own [checkTimeout] deadline derived from the request
// context, and all checks run in parallel so the slowest one bounds the
// response time.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type named struct {
		name string
		res  checkResult
	}

	results := make([]named, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = named{name: c.Name, res: res}
		}()
	}
	wg.Wait()

	out := result{Status: "ok", Checks: make(map[string]checkResult, len(results))}
	status := http.StatusOK
	for _, n := range results {
		out.Checks[n.name] = n.res
		if n.res.Status != "ok" {
			out.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, out)
}

// Register mounts both probe routes on mux.
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
