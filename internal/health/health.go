// Package health provides the liveness and readiness handlers of the
// remote pick store service.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz returns 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with the outcome of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/takewright/internal/persist"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// probeProduction is the production id loaded by [StoreChecker]. It never
// names a real production, so a healthy store answers with not-found.
const probeProduction = "_readiness_probe"

// Checker is a named readiness check. Check returns nil when the
// dependency is usable.
type Checker struct {
	// Name is the key of the check in the JSON response, e.g. "postgres".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by connection pools such as the PostgreSQL store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a checker that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// StoreChecker returns a checker that performs a load against s. A
// not-found answer counts as healthy.
func StoreChecker(name string, s persist.Store) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		_, err := s.Load(ctx, probeProduction)
		if errors.Is(err, persist.ErrNotFound) {
			return nil
		}
		return err
	}}
}

// checkResult is the outcome of one checker.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// result is the JSON response body of both endpoints.
type result struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	now      func() time.Time
}

// New creates a [Handler] that runs the given checkers concurrently on
// every /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, now: time.Now}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise. Each
// checker gets a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		allOK  = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMS: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = "fail", err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = res
			if err != nil {
				allOK = false
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
