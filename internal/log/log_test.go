package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/keithlinneman/admitd/internal/xerrors"
)

func newBufferLogger(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	opts.JsonFormat = true
	if opts.App == "" {
		opts.App = "admitd-test"
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, &buf
}

// lastLine decodes the last JSON log line in buf.
func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &got); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, lines[len(lines)-1])
	}
	return got
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) should fail")
	}
}

func TestInfo_EmitsAppAndFields(t *testing.T) {
	l, buf := newBufferLogger(t, Options{Level: slog.LevelInfo})

	l.Info(context.Background(), "server started", "http_port", 8080)

	got := lastLine(t, buf)
	if got["msg"] != "server started" {
		t.Errorf("msg = %v", got["msg"])
	}
	if got["app"] != "admitd-test" {
		t.Errorf("app = %v", got["app"])
	}
	if got["http_port"] != float64(8080) {
		t.Errorf("http_port = %v", got["http_port"])
	}
}

func TestLevel_FiltersBelowThreshold(t *testing.T) {
	l, buf := newBufferLogger(t, Options{Level: slog.LevelWarn})

	l.Debug(context.Background(), "nope")
	l.Info(context.Background(), "nope")
	if buf.Len() != 0 {
		t.Fatalf("below-threshold logs should be dropped, got %q", buf.String())
	}

	l.Warn(context.Background(), "yep")
	if buf.Len() == 0 {
		t.Fatal("warn should be emitted at warn level")
	}
}

func TestWith_AccumulatesAndIsolates(t *testing.T) {
	l, buf := newBufferLogger(t, Options{Level: slog.LevelInfo})

	child := l.With("component", "server")
	grandchild := child.With("request_id", "abc123")

	grandchild.Info(context.Background(), "hello")
	got := lastLine(t, buf)
	if got["component"] != "server" || got["request_id"] != "abc123" {
		t.Fatalf("derived logger lost attrs: %v", got)
	}

	// the parent must not see the child's attrs
	buf.Reset()
	l.Info(context.Background(), "parent")
	got = lastLine(t, buf)
	if _, ok := got["component"]; ok {
		t.Fatal("parent logger leaked child attrs")
	}
}

func TestError_EnrichesChain(t *testing.T) {
	l, buf := newBufferLogger(t, Options{
		Level:             slog.LevelInfo,
		IncludeErrorLinks: true,
		MaxErrorLinks:     5,
	})

	err := xerrors.Wrap(xerrors.New("connection refused"), "starting listener")
	l.Error(context.Background(), err, "http server error")

	got := lastLine(t, buf)
	if got["err"] != "starting listener: connection refused" {
		t.Errorf("err = %v", got["err"])
	}
	chain, ok := got["error_chain"].([]any)
	if !ok || len(chain) < 2 {
		t.Fatalf("error_chain = %v, want >= 2 entries", got["error_chain"])
	}
	if _, ok := got["error_links"]; !ok {
		t.Error("error_links missing with IncludeErrorLinks=true")
	}
	if _, ok := got["stack"]; !ok {
		t.Error("stack missing on error-level record")
	}
}

func TestError_NilErrIsSafe(t *testing.T) {
	l, buf := newBufferLogger(t, Options{Level: slog.LevelInfo})

	l.Error(context.Background(), nil, "something failed")
	got := lastLine(t, buf)
	if got["msg"] != "something failed" {
		t.Fatalf("msg = %v", got["msg"])
	}
	if _, ok := got["error_chain"]; ok {
		t.Fatal("nil error should not produce error_chain")
	}
}

func TestErrorChain_DedupesMessages(t *testing.T) {
	inner := xerrors.New("boom")
	outer := xerrors.WithStack(inner) // same message, different wrapper

	chain := errorChain(outer)
	if len(chain) != 1 || chain[0] != "boom" {
		t.Fatalf("errorChain = %v, want [boom]", chain)
	}
}
