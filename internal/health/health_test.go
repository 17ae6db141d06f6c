package health

import (
	"context"
	"errors"
	"testing"
)

func TestAllHealthy(t *testing.T) {
	c := NewChecker()
	c.Register("encryption", func(ctx context.Context) error { return nil })
	c.Register("store", func(ctx context.Context) error { return nil })

	r := c.Run(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", r.Status)
	}
	if len(r.Checks) != 2 || r.Failed() != 0 {
		t.Errorf("checks = %d failed = %d", len(r.Checks), r.Failed())
	}
}

func TestFailurePropagates(t *testing.T) {
	c := NewChecker()
	c.Register("encryption", func(ctx context.Context) error { return nil })
	c.Register("failsafe", func(ctx context.Context) error { return errors.New("tampered") })

	r := c.Run(context.Background())
	if r.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", r.Status)
	}
	if r.Failed() != 1 {
		t.Errorf("failed = %d, want 1", r.Failed())
	}
	for _, res := range r.Checks {
		if res.Name == "failsafe" && res.Message != "tampered" {
			t.Errorf("message = %q", res.Message)
		}
	}
}

func TestDeterministicOrder(t *testing.T) {
	c := NewChecker()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		c.Register(name, func(ctx context.Context) error { return nil })
	}
	r := c.Run(context.Background())
	want := []string{"alpha", "mid", "zeta"}
	for i, res := range r.Checks {
		if res.Name != want[i] {
			t.Errorf("check[%d] = %s, want %s", i, res.Name, want[i])
		}
	}
}

func TestEmptyChecker(t *testing.T) {
	r := NewChecker().Run(context.Background())
	if r.Status != StatusHealthy || len(r.Checks) != 0 {
		t.Errorf("empty checker report = %+v", r)
	}
}
