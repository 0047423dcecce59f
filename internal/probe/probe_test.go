package probe

import (
	"context"
	"testing"
)

func TestStatic(t *testing.T) {
	if err := Static(true, "").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	err := Static(false, "content missing").Check(context.Background())
	if err == nil || err.Error() != "content missing" {
		t.Fatalf("failing probe err = %v", err)
	}
	if err := Static(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("empty reason should default to unhealthy, got %v", err)
	}
}

func TestMulti(t *testing.T) {
	ok := Static(true, "")
	bad := Static(false, "not ready")

	if err := Multi(ok, ok, nil).Check(context.Background()); err != nil {
		t.Fatalf("all-pass Multi failed: %v", err)
	}
	if err := Multi(ok, bad).Check(context.Background()); err == nil {
		t.Fatal("Multi with a failing probe should fail")
	}
}

func TestAny(t *testing.T) {
	ok := Static(true, "")
	bad := Static(false, "down")

	if err := Any(bad, ok).Check(context.Background()); err != nil {
		t.Fatalf("Any with one passing probe failed: %v", err)
	}
	if err := Any(bad, bad).Check(context.Background()); err == nil {
		t.Fatal("Any with all failing probes should fail")
	}
	if err := Any().Check(context.Background()); err == nil {
		t.Fatal("Any with no probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate should pass: %v", err)
	}

	g.Set("draining")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate err = %v, want draining", err)
	}

	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate should pass: %v", err)
	}
}
