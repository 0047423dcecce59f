package cfg

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON default = false, want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort default = %d, want 8080", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort default = %d, want 9000", c.AdminPort)
	}
	if c.RateLimitMax != 10 {
		t.Errorf("RateLimitMax default = %d, want 10", c.RateLimitMax)
	}
	if c.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow default = %s, want 1m", c.RateLimitWindow)
	}
	if c.RateLimitRetention != 0 {
		t.Errorf("RateLimitRetention default = %s, want 0 (auto)", c.RateLimitRetention)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops default = %d, want 0", c.TrustedHops)
	}
	if c.DrainSeconds != 5 {
		t.Errorf("DrainSeconds default = %d, want 5", c.DrainSeconds)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port", "8888",
		"-rate-limit-max", "100",
		"-rate-limit-window", "30s",
		"-trusted-hops", "2",
		"-log-level", "debug",
	})

	if c.HTTPPort != 8888 {
		t.Errorf("HTTPPort = %d, want 8888", c.HTTPPort)
	}
	if c.RateLimitMax != 100 {
		t.Errorf("RateLimitMax = %d, want 100", c.RateLimitMax)
	}
	if c.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %s, want 30s", c.RateLimitWindow)
	}
	if c.TrustedHops != 2 {
		t.Errorf("TrustedHops = %d, want 2", c.TrustedHops)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", c.LogLevel)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("ADMITD_RATE_LIMIT_MAX", "42")
	t.Setenv("ADMITD_RATE_LIMIT_WINDOW", "2m")
	t.Setenv("ADMITD_LOG_LEVEL", "warn")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	FillFromEnv(fs, "ADMITD_", nil)

	if c.RateLimitMax != 42 {
		t.Errorf("RateLimitMax = %d, want 42 from env", c.RateLimitMax)
	}
	if c.RateLimitWindow != 2*time.Minute {
		t.Errorf("RateLimitWindow = %s, want 2m from env", c.RateLimitWindow)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn from env", c.LogLevel)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	t.Setenv("ADMITD_RATE_LIMIT_MAX", "42")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-rate-limit-max", "7"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	var logged []string
	FillFromEnv(fs, "ADMITD_", func(format string, args ...any) {
		logged = append(logged, format)
	})

	if c.RateLimitMax != 7 {
		t.Errorf("RateLimitMax = %d, want cli value 7", c.RateLimitMax)
	}
	if len(logged) == 0 {
		t.Error("expected a log line about cli overriding env")
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("ADMITD_RATE_LIMIT_MAX", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	FillFromEnv(fs, "ADMITD_", nil)

	if c.RateLimitMax != 10 {
		t.Errorf("RateLimitMax = %d, want default 10 after bad env", c.RateLimitMax)
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, nil)
	if err := Validate(c); err != nil {
		t.Fatalf("Validate(defaults) = %v, want nil", err)
	}
}

func TestValidate_RateLimit(t *testing.T) {
	c := newTestConfig(t, nil)
	c.RateLimitMax = 0
	wantErrContains(t, Validate(c), "RATE_LIMIT_MAX")

	c = newTestConfig(t, nil)
	c.RateLimitWindow = 0
	wantErrContains(t, Validate(c), "RATE_LIMIT_WINDOW")

	c = newTestConfig(t, nil)
	c.RateLimitWindow = time.Minute
	c.RateLimitRetention = time.Second
	wantErrContains(t, Validate(c), "RATE_LIMIT_RETENTION")
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, nil)
	c.HTTPPort = 0
	c.AdminPort = 70000
	c.LogLevel = "nope"
	c.TraceSample = 1.5
	c.RateLimitMax = -1
	c.TrustedHops = 99

	err := Validate(c)
	wantErrContains(t, err, "HTTP_PORT")
	wantErrContains(t, err, "ADMIN_PORT")
	wantErrContains(t, err, "LOG_LEVEL")
	wantErrContains(t, err, "TRACE_SAMPLE")
	wantErrContains(t, err, "RATE_LIMIT_MAX")
	wantErrContains(t, err, "TRUSTED_HOPS")
}

func TestValidate_SamePortsRejected(t *testing.T) {
	c := newTestConfig(t, nil)
	c.HTTPPort = 9000
	c.AdminPort = 9000
	wantErrContains(t, Validate(c), "must differ")
}

func TestValidate_PyroscopeRequirements(t *testing.T) {
	c := newTestConfig(t, nil)
	c.EnablePyroscope = true
	err := Validate(c)
	wantErrContains(t, err, "PYRO_SERVER")
	wantErrContains(t, err, "PYRO_TENANT")

	c.PyroServer = "not a url"
	wantErrContains(t, Validate(c), "PYRO_SERVER must be a URL")
}

func TestValidate_TracingRequirements(t *testing.T) {
	c := newTestConfig(t, nil)
	c.EnableTracing = true
	wantErrContains(t, Validate(c), "OTLP_ENDPOINT")

	c.OTLPEndpoint = "no-port"
	wantErrContains(t, Validate(c), "must be host:port")

	c.OTLPEndpoint = "collector:4317"
	if err := Validate(c); err != nil {
		t.Fatalf("Validate = %v, want nil with valid endpoint", err)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
