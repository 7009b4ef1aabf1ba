// Package health serves the liveness and readiness probes of the bridge
// daemon.
//
//   - /healthz always answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Readiness checks run concurrently; each result carries its latency so a
// slow device probe is visible from the dashboard.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/bridge"
)

const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy and
// must honour context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs all checkers in parallel, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu      sync.Mutex
		results = make(map[string]checkResult, len(h.checkers))
		g       errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if res.Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, rep)
}

// ── Checkers ─────────────────────────────────────────────────────────────────

// StateSource reports the current bridge state.
type StateSource interface {
	State() bridge.State
}

// BridgeChecker fails while the bridge sits in the error phase waiting for an
// acknowledgement.
func BridgeChecker(src StateSource) Checker {
	return Checker{
		Name: "bridge",
		Check: func(context.Context) error {
			st := src.State()
			if st.Phase == bridge.Failed {
				return fmt.Errorf("session failed: %s", st.Reason())
			}
			return nil
		},
	}
}

// DeviceChecker fails when the audio devices could not be opened. probe is
// typically the error returned by the device factory at startup.
func DeviceChecker(probe func() error) Checker {
	return Checker{
		Name: "audio",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := probe(); err != nil {
				return errors.Join(errors.New("audio device unavailable"), err)
			}
			return nil
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
