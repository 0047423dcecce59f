package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admitd/internal/httpmw"
	"github.com/keithlinneman/admitd/internal/log"
	"github.com/keithlinneman/admitd/internal/probe"
)

type Options struct {
	Logger log.Logger
	Port   int

	// APIRoutes registers the public endpoints on the router.
	APIRoutes func(chi.Router)

	// RateLimitMW is the admission middleware. Everything on this
	// listener except the health probes counts against the caller.
	RateLimitMW func(http.Handler) http.Handler

	// MetricsMW instruments requests for prometheus.
	MetricsMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    probe.Probe
	Readiness probe.Probe

	UseRecoverMW bool
	OnPanic      func()
}
