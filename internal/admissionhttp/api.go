// Package admissionhttp implements the rate limit admin endpoints.
// They are registered on the ops listener only, so the public site
// never exposes policy mutation.
package admissionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admitd/internal/admission"
	"github.com/keithlinneman/admitd/internal/log"
)

// Limiter is the slice of the admission controller the admin API needs.
type Limiter interface {
	Configure(admission.Policy) error
	CurrentLimit() (admission.Policy, error)
	Len() int
}

// API implements the rate limit admin endpoints.
type API struct {
	limiter Limiter
	logger  log.Logger

	// OnUpdated fires after a policy change is applied.
	OnUpdated func(admission.Policy)

	// OnRejected fires when an update is refused.
	OnRejected func()
}

// NewAPI creates the admin API handler.
func NewAPI(limiter Limiter, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{limiter: limiter, logger: logger}
}

// RegisterRoutes attaches the admin endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/ratelimit", api.HandleGetPolicy)
	r.Put("/api/ratelimit", api.HandleSetPolicy)
	r.Post("/api/ratelimit", api.HandleSetPolicy)
}

// Duration marshals as a Go duration string ("30s", "1m0s") and
// unmarshals from either a duration string or a bare number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
		return nil
	default:
		return errors.New("window must be a duration string or seconds")
	}
}

// PolicyPayload is the wire form of a rate limit policy.
type PolicyPayload struct {
	MaxRequests int      `json:"max_requests"`
	Window      Duration `json:"window"`
}

// PolicySnapshot is the GET response: the active policy plus runtime state.
type PolicySnapshot struct {
	MaxRequests    int       `json:"max_requests"`
	Window         Duration  `json:"window"`
	TrackedClients int       `json:"tracked_clients"`
	ServerTime     time.Time `json:"server_time"`
}

// ErrorResponse is the envelope for admin API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleGetPolicy serves the currently active policy.
func (api *API) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := api.limiter.CurrentLimit()
	if err != nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "rate limit not configured",
		})
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, PolicySnapshot{
		MaxRequests:    p.MaxRequests,
		Window:         Duration(p.Window),
		TrackedClients: api.limiter.Len(),
		ServerTime:     time.Now().UTC().Truncate(time.Second),
	})
}

// HandleSetPolicy applies a new policy. A rejected update leaves the
// previously active policy in effect.
func (api *API) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload PolicyPayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		api.reject(ctx, w, "malformed policy body", err)
		return
	}

	p := admission.Policy{
		MaxRequests: payload.MaxRequests,
		Window:      time.Duration(payload.Window),
	}

	if err := api.limiter.Configure(p); err != nil {
		api.reject(ctx, w, err.Error(), err)
		return
	}

	api.logger.Info(ctx, "rate limit policy updated",
		"max_requests", p.MaxRequests,
		"window", p.Window.String(),
	)
	if api.OnUpdated != nil {
		api.OnUpdated(p)
	}

	api.writeJSON(ctx, w, http.StatusOK, PolicyPayload{
		MaxRequests: p.MaxRequests,
		Window:      Duration(p.Window),
	})
}

func (api *API) reject(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	api.logger.Warn(ctx, "rate limit policy update rejected", "error", err)
	if api.OnRejected != nil {
		api.OnRejected()
	}
	api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
