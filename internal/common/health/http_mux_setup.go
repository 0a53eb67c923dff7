package health

import (
	"net/http"
)

// SetupHttpMux serves checker on /health. Startup alone is served on /ready, so that a
// scheduler waiting on an unreachable dependency is not restarted before it has come up.
func SetupHttpMux(mux *http.ServeMux, checker Checker, startup *StartupCompleteChecker) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
	mux.Handle("/ready", NewHealthCheckHttpHandler(startup))
}
