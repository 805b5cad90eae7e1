// Package health adds methods for checking the health of service dependencies.
package health

import (
	"fmt"
	"net/http"

	"github.com/go-kit/log"
)

// Checker returns an error indicating if a service is in an unhealthy state.
// Checkers should be implemented by dependencies which can fail, like a
// datastore or the generation pipeline.
type Checker interface {
	HealthCheck() error
}

// Result is the outcome of one named check.
type Result struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Handler returns an http.Handler that checks the status of all the
// dependencies. Handler responds with either:
// 200 OK if the server can successfully communicate with its backends or
// 500 if any of the backends are reporting an issue.
func Handler(logger log.Logger, allCheckers map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := make(map[string]Checker)
		checks, ok := r.URL.Query()["check"]
		if ok {
			if len(checks) == 0 {
				http.Error(w, "checks must not be empty", http.StatusBadRequest)
				return
			}
			for _, checkName := range checks {
				check, ok := allCheckers[checkName]
				if !ok {
					http.Error(w, "the provided check is not valid", http.StatusBadRequest)
					return
				}
				checkers[checkName] = check
			}
		} else {
			checkers = allCheckers
		}

		healthy, _ := RunChecks(logger, checkers)
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
}

// CheckHealth checks multiple checkers returning false if any of them fail.
// CheckHealth logs the reason a checker fails.
func CheckHealth(logger log.Logger, checkers map[string]Checker) bool {
	healthy, _ := RunChecks(logger, checkers)
	return healthy
}

// RunChecks runs every checker and reports overall health as the conjunction
// of all of them, plus a per-check detail map. A panicking checker counts as
// unhealthy; the panic never propagates.
func RunChecks(logger log.Logger, checkers map[string]Checker) (bool, map[string]Result) {
	healthy := true
	details := make(map[string]Result, len(checkers))
	for name, hc := range checkers {
		if err := runCheck(hc); err != nil {
			log.With(logger, "component", "healthz").Log("err", err, "health-checker", name)
			healthy = false
			details[name] = Result{Healthy: false, Error: err.Error()}
			continue
		}
		details[name] = Result{Healthy: true}
	}
	return healthy, details
}

func runCheck(hc Checker) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("health check panic: %v", p)
		}
	}()
	return hc.HealthCheck()
}

// Nop creates a noop checker. Useful in tests.
func Nop() Checker {
	return nop{}
}

type nop struct{}

func (c nop) HealthCheck() error {
	return nil
}
