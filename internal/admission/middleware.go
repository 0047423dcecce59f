package admission

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/admitd/internal/httpmw"
)

// Middleware returns middleware that rejects requests over the client's
// rate limit with 429. The client key is the resolved client IP, so the
// clientip middleware must run outside this one in the chain.
//
// An unconfigured controller fails open: the server configures the policy
// at startup, this only guards a wiring mistake, and dropping all traffic
// over it would be worse than not limiting.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes must keep working while a client is throttled.
		if p := r.URL.Path; p == "/-/healthy" || p == "/-/ready" {
			next.ServeHTTP(w, r)
			return
		}

		key := httpmw.ClientIPFromContext(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		d, err := c.Check(key, time.Now())
		if err != nil || d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
		w.WriteHeader(http.StatusTooManyRequests)
		// intentionally no detail about limits or remaining budget
		w.Write([]byte(`{"error":"Too many requests"}`))
	})
}

// retrySeconds rounds up to whole seconds, floor 1, for the Retry-After header.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
