package pid

import (
	"math"
	"testing"
)

func TestPID_ProportionalOnly(t *testing.T) {
	c := New(Gains{Kp: 2.5}, -100, 100)

	for i, tc := range []struct{ sp, meas float64 }{
		{0, 1}, {1, 0}, {3, 3}, {-2, 5}, {10, -10}, {0.25, 0.5},
	} {
		out := c.Step(tc.sp, tc.meas, 0.02, true)
		want := 2.5 * (tc.sp - tc.meas)
		if out.Out != want {
			t.Fatalf("tick %d: out=%v want %v", i, out.Out, want)
		}
		if !out.Enabled {
			t.Fatalf("tick %d: not enabled", i)
		}
	}
}

func TestPID_IntegratorClamp(t *testing.T) {
	c := New(Gains{Ki: 1}, -0.5, 0.5)

	for i := 0; i < 500; i++ {
		c.Step(1, 0, 0.02, true)
		if got := c.State().Integral; got > 0.5 {
			t.Fatalf("tick %d: integral=%v exceeds max", i, got)
		}
	}
	if got := c.State().Integral; got != 0.5 {
		t.Fatalf("integral=%v want 0.5", got)
	}

	// Reversing the error unwinds immediately from the clamp instead of a wound-up value.
	c.Step(-1, 0, 0.02, true)
	if got := c.State().Integral; math.Abs(got-0.48) > 1e-12 {
		t.Fatalf("integral=%v want 0.48", got)
	}
}

func TestPID_OutputClamp(t *testing.T) {
	c := New(Gains{Kp: 10}, -5, 5)
	if out := c.Step(0, 100, 1, true); out.Out != -5 {
		t.Fatalf("out=%v want -5", out.Out)
	}
	if out := c.Step(0, -100, 1, true); out.Out != 5 {
		t.Fatalf("out=%v want 5", out.Out)
	}
}

func TestPID_Derivative(t *testing.T) {
	c := New(Gains{Kd: 1}, -100, 100)
	out := c.Step(1, 0, 0.5, true)
	if out.Out != 2 {
		t.Fatalf("out=%v want 2", out.Out)
	}
	out = c.Step(1, 0, 0.5, true)
	if out.Out != 0 {
		t.Fatalf("out=%v want 0", out.Out)
	}
}

func TestPID_ResetZeroesEverything(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 3, Kd: 0.2}, -10, 10)
	for i := 0; i < 20; i++ {
		c.Step(float64(i), -1, 0.01, true)
	}
	if c.State() == (State{}) {
		t.Fatalf("expected non-zero state before reset")
	}
	c.Reset()
	if s := c.State(); s != (State{}) {
		t.Fatalf("state=%+v want zero", s)
	}
}

func TestPID_DisabledLeavesIntegrator(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 1}, -10, 10)
	c.Step(1, 0, 0.1, true)
	before := c.State()

	out := c.Step(5, 0, 0.1, false)
	if out.Out != 0 || out.Enabled {
		t.Fatalf("out=%+v want zero and disabled", out)
	}
	if after := c.State(); after != before {
		t.Fatalf("state changed while disabled: %+v -> %+v", before, after)
	}
}

func TestPID_ZeroDTHoldsState(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 1}, -10, 10)
	c.Step(1, 0, 0.1, true)
	before := c.State()
	c.Step(4, 0, 0, true)
	if after := c.State(); after != before {
		t.Fatalf("state changed with dt=0: %+v -> %+v", before, after)
	}
}

func TestGains_Validate(t *testing.T) {
	if err := (Gains{Kp: 25, Ki: 100, Kd: 2}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Gains{Kp: math.NaN()}).Validate(); err == nil {
		t.Fatalf("expected error for NaN kp")
	}
	c := New(Gains{Kp: 1}, -1, 1)
	if err := c.SetGains(Gains{Ki: math.Inf(1)}); err == nil {
		t.Fatalf("expected error for Inf ki")
	}
	if c.Gains().Kp != 1 {
		t.Fatalf("gains replaced on error")
	}
}
