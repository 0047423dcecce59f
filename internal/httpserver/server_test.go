package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/admitd/internal/httpmw"
	"github.com/keithlinneman/admitd/internal/log"
	"github.com/keithlinneman/admitd/internal/probe"
)

// test helpers

func defaultOpts() *Options {
	return &Options{
		Logger: log.Nop(),
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// NewHandler - headers

func TestNewHandler_SecurityHeaders(t *testing.T) {
	h := NewHandler(defaultOpts())
	rec := doRequest(t, h, "GET", "/")

	for _, hdr := range []string{
		"Strict-Transport-Security",
		"Content-Security-Policy",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Referrer-Policy",
	} {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("missing security header: %s", hdr)
		}
	}
}

func TestNewHandler_SecurityHeaders_On404(t *testing.T) {
	h := NewHandler(defaultOpts())
	rec := doRequest(t, h, "GET", "/does-not-exist")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS missing on 404 response")
	}
}

func TestNewHandler_RequestID_Generated(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	h := NewHandler(opts)
	rec := doRequest(t, h, "GET", "/")

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id not set")
	}
}

func TestNewHandler_RequestID_UniquePerRequest(t *testing.T) {
	h := NewHandler(defaultOpts())

	first := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")
	second := doRequest(t, h, "GET", "/").Header().Get("X-Request-Id")

	if first == "" || first == second {
		t.Fatalf("request IDs not unique: %q vs %q", first, second)
	}
}

// NewHandler - routes

func TestNewHandler_APIRoutes(t *testing.T) {
	opts := defaultOpts()
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/resource", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hit"))
		})
	}
	h := NewHandler(opts)
	rec := doRequest(t, h, "GET", "/api/resource")

	if rec.Code != http.StatusOK || rec.Body.String() != "hit" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_HealthEndpoints(t *testing.T) {
	opts := defaultOpts()
	opts.Health = probe.Static(true, "")
	opts.Readiness = probe.Static(false, "not ready yet")
	h := NewHandler(opts)

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusOK {
		t.Fatalf("/-/healthy status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/-/ready status = %d, want 503", rec.Code)
	}
}

func TestNewHandler_HealthEndpoints_NilProbes(t *testing.T) {
	h := NewHandler(defaultOpts())

	rec := doRequest(t, h, "GET", "/-/healthy")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without probe", rec.Code)
	}
}

// NewHandler - middleware wiring

func TestNewHandler_RateLimitMW_Applied(t *testing.T) {
	rateLimited := false
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rateLimited = true
			next.ServeHTTP(w, r)
		})
	}

	h := NewHandler(opts)
	doRequest(t, h, "GET", "/")

	if !rateLimited {
		t.Fatal("rate limit middleware not applied")
	}
}

func TestNewHandler_RateLimitMW_SeesResolvedClientIP(t *testing.T) {
	var key string
	opts := defaultOpts()
	opts.RateLimitMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key = httpmw.ClientIPFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}

	h := NewHandler(opts)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:41000"
	h.ServeHTTP(rec, req)

	if key != "203.0.113.7" {
		t.Fatalf("rate limiter saw key %q, want resolved client IP", key)
	}
}

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	metricsHit := false
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metricsHit = true
			next.ServeHTTP(w, r)
		})
	}

	h := NewHandler(opts)
	doRequest(t, h, "GET", "/")

	if !metricsHit {
		t.Fatal("metrics middleware not applied")
	}
}

func TestNewHandler_RecoverMW_Enabled(t *testing.T) {
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
	}

	h := NewHandler(opts)
	rec := doRequest(t, h, "GET", "/panic")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (recover should catch panic)", rec.Code)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS missing after panic recovery")
	}
}

func TestNewHandler_RecoverMW_CallsOnPanic(t *testing.T) {
	var called bool
	opts := defaultOpts()
	opts.UseRecoverMW = true
	opts.OnPanic = func() { called = true }
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
	}

	h := NewHandler(opts)
	doRequest(t, h, "GET", "/panic")

	if !called {
		t.Fatal("OnPanic not called")
	}
}

// NewServer

func TestNewServer_TimeoutsNonZero(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())

	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 ||
		srv.WriteTimeout == 0 || srv.IdleTimeout == 0 {
		t.Fatalf("server has zero timeouts: %+v", srv)
	}
	if srv.MaxHeaderBytes == 0 {
		t.Fatal("MaxHeaderBytes is zero")
	}
}

// Start

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port
	opts.Health = probe.Static(true, "")

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	opts := defaultOpts()
	opts.Port = port

	stop1, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	opts2 := defaultOpts()
	opts2.Port = port
	if _, err := Start(ctx, opts2); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
