package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/admitd/internal/admission"
	"github.com/keithlinneman/admitd/internal/admissionhttp"
	"github.com/keithlinneman/admitd/internal/apihttp"
	"github.com/keithlinneman/admitd/internal/cfg"
	"github.com/keithlinneman/admitd/internal/httpmw"
	"github.com/keithlinneman/admitd/internal/httpserver"
	"github.com/keithlinneman/admitd/internal/log"
	"github.com/keithlinneman/admitd/internal/metrics"
	"github.com/keithlinneman/admitd/internal/opshttp"
	"github.com/keithlinneman/admitd/internal/otelx"
	"github.com/keithlinneman/admitd/internal/probe"
	"github.com/keithlinneman/admitd/internal/prof"
	v "github.com/keithlinneman/admitd/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix ADMITD_ and validate
	cfg.FillFromEnv(flag.CommandLine, "ADMITD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"rate_limit_max", conf.RateLimitMax,
		"rate_limit_window", conf.RateLimitWindow.String(),
		"rate_limit_retention", conf.RateLimitRetention.String(),
		"trusted_hops", conf.TrustedHops,
		"drain_seconds", conf.DrainSeconds,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup the admission controller. Denial logs are sampled so one
	// abusive client can't flood the log stream.
	var m *metrics.ServerMetrics
	denialLog := rate.Sometimes{First: 3, Interval: 10 * time.Second}
	ctrl := admission.New(ctx,
		admission.WithRetention(conf.RateLimitRetention),
		admission.WithOnDenied(func(key string) {
			m.IncRateLimitDenied()
		}),
		admission.WithOnFirstDenied(func(key string) {
			denialLog.Do(func() {
				L.Warn(ctx, "rate limit triggered", "client.address", key)
			})
		}),
		admission.WithOnEvicted(func(n int) {
			m.AddRateLimitEvicted(n)
		}),
	)

	m = metrics.New(ctrl)
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	policy := admission.Policy{
		MaxRequests: conf.RateLimitMax,
		Window:      conf.RateLimitWindow,
	}
	if err := ctrl.Configure(policy); err != nil {
		L.Error(ctx, err, "failed to apply initial rate limit policy")
		os.Exit(1)
	}
	m.SetPolicy(policy.MaxRequests, policy.Window)
	L.Info(ctx, "rate limit policy active", "policy", policy.String())

	// Admin API mutates the policy at runtime on the ops listener
	adminAPI := admissionhttp.NewAPI(ctrl, L)
	adminAPI.OnUpdated = func(p admission.Policy) {
		m.SetPolicy(p.MaxRequests, p.Window)
		m.IncConfigUpdate("ok")
	}
	adminAPI.OnRejected = func() {
		m.IncConfigUpdate("rejected")
	}

	publicAPI := apihttp.NewAPI(L)

	// Setup toggle for server shutdown
	var gate probe.ShutdownGate

	// Readiness requires an open gate and a configured limiter
	readiness := probe.Multi(
		gate.Probe(),
		probe.Func(func(ctx context.Context) error {
			_, err := ctrl.CurrentLimit()
			return err
		}),
	)

	// Start public http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		APIRoutes:    publicAPI.RegisterRoutes,
		RateLimitMW:  ctrl.Middleware,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// Start ops listener for metrics, health checks, pprof, and admin API.
	// It rejects connections from public ips in middleware to prevent
	// accidental exposure if the network config is ever wrong.
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		AdminRoutes:  adminAPI.RegisterRoutes,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Block until ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// Fail readiness so load balancers stop sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining",
		"drain_seconds", conf.DrainSeconds,
	)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(time.Duration(conf.DrainSeconds) * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET to a unix socket path when we were
	// started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
