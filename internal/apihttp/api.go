// Package apihttp implements the public JSON endpoints served on the
// site listener. Everything here sits behind the admission middleware;
// handlers never see a request the limiter rejected.
package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admitd/internal/httpmw"
	"github.com/keithlinneman/admitd/internal/log"
)

// API implements the public endpoints.
type API struct {
	logger log.Logger
}

// NewAPI creates the public API handler.
func NewAPI(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{logger: logger}
}

// RegisterRoutes attaches the public endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/", api.HandleRoot)
	r.Get("/api/resource", api.HandleResource)
	r.Get("/info", api.HandleInfo)
}

// MessageResponse is the envelope for the simple message endpoints.
type MessageResponse struct {
	Message string `json:"message"`
}

// InfoResponse echoes how the server resolved the caller. Useful for
// verifying proxy configuration: the client address here is the key
// the limiter counts against.
type InfoResponse struct {
	ClientAddr    string    `json:"client_addr"`
	RemoteAddr    string    `json:"remote_addr"`
	ForwardedFor  string    `json:"forwarded_for,omitempty"`
	ForwardedProt string    `json:"forwarded_proto,omitempty"`
	Host          string    `json:"host"`
	UserAgent     string    `json:"user_agent,omitempty"`
	ServerTime    time.Time `json:"server_time"`
}

func (api *API) HandleRoot(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, MessageResponse{
		Message: "Hello, world!",
	})
}

func (api *API) HandleResource(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, MessageResponse{
		Message: "Resource accessed successfully",
	})
}

func (api *API) HandleInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	forwardedFor, proto := httpmw.ProxyHeaders(r)

	resp := InfoResponse{
		ClientAddr:    httpmw.ClientIPFromContext(ctx),
		RemoteAddr:    r.RemoteAddr,
		ForwardedFor:  forwardedFor,
		ForwardedProt: proto,
		Host:          r.Host,
		UserAgent:     r.UserAgent(),
		ServerTime:    time.Now().UTC().Truncate(time.Second),
	}

	api.logger.Debug(ctx, "served client info",
		"client.address", resp.ClientAddr,
	)

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
