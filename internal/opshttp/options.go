package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admitd/internal/probe"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool

	// AdminRoutes registers control endpoints (rate limit policy, etc)
	// on the ops listener, away from public traffic.
	AdminRoutes func(chi.Router)

	Health    probe.Probe
	Readiness probe.Probe

	UseRecoverMW bool
	OnPanic      func()
}
