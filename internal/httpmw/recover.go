package httpmw

import (
	"net/http"

	"github.com/keithlinneman/admitd/internal/log"
	"github.com/keithlinneman/admitd/internal/xerrors"
)

// Recover returns middleware that recovers handler panics, logs them with
// a stack, serves a plain 500, and invokes onPanic (metrics) if set.
// http.ErrAbortHandler is re-raised so the server can abort the connection
// the way net/http expects.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				} else {
					err = xerrors.EnsureTrace(err)
				}

				if onPanic != nil {
					onPanic()
				}
				if L != nil {
					L.With(
						"http.request.method", r.Method,
						"url.path", r.URL.Path,
					).Error(r.Context(), err, "httpserver panic recovered")
				}

				// headers may already be sent; best effort
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
