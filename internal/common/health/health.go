package health

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until Complete is called, which
// happens once the process has finished wiring its background tasks.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) Complete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if !c.complete.Load() {
		return errors.New("startup not yet complete")
	}
	return nil
}

type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	var failures []string
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(failures, "\n"))
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", &httpHandler{checker: checker})
}

type httpHandler struct {
	checker Checker
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.checker.Check(); err != nil {
		log.Warnf("Health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(err.Error())); err != nil {
			log.Errorf("Failed to write health check response: %v", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
