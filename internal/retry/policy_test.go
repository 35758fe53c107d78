package retry

import (
	"testing"
	"time"
)

func TestDelayFor_ExponentialWithCap(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{-3, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{6, 480 * time.Second},
		{20, 480 * time.Second},
	}
	for _, tc := range cases {
		if got := p.DelayFor(tc.attempt); got != tc.want {
			t.Errorf("DelayFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayFor_LargeAttemptDoesNotOverflow(t *testing.T) {
	p := NewPolicy(DefaultConfig())
	if got := p.DelayFor(500); got != 480*time.Second {
		t.Fatalf("DelayFor(500) = %v, want cap", got)
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	for k := 0; k < 3; k++ {
		if !p.ShouldRetry(k) {
			t.Errorf("ShouldRetry(%d) = false, want true", k)
		}
	}
	for _, k := range []int{3, 4, 100} {
		if p.ShouldRetry(k) {
			t.Errorf("ShouldRetry(%d) = true, want false", k)
		}
	}
}

func TestEnterRecovery(t *testing.T) {
	p := NewPolicy(DefaultConfig())

	if p.EnterRecovery(9) {
		t.Error("EnterRecovery(9) = true, want false")
	}
	if !p.EnterRecovery(10) {
		t.Error("EnterRecovery(10) = false, want true")
	}
	if !p.EnterRecovery(11) {
		t.Error("EnterRecovery(11) = false, want true")
	}
}

func TestNewPolicy_FillsZeroFields(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5})
	cfg := p.Config()

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.BaseDelay != 30*time.Second {
		t.Errorf("BaseDelay = %v, want 30s", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 480*time.Second {
		t.Errorf("MaxDelay = %v, want 480s", cfg.MaxDelay)
	}
	if cfg.MaxConsecutiveFailures != 10 {
		t.Errorf("MaxConsecutiveFailures = %d, want 10", cfg.MaxConsecutiveFailures)
	}
	if cfg.RecoveryTimeout != 10*time.Minute {
		t.Errorf("RecoveryTimeout = %v, want 10m", cfg.RecoveryTimeout)
	}
}

func TestDelayFor_CustomConfig(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	if got := p.DelayFor(2); got != 2*time.Second {
		t.Errorf("DelayFor(2) = %v, want 2s", got)
	}
	// 1s * 2^3 = 8s, capped at 5s
	if got := p.DelayFor(4); got != 5*time.Second {
		t.Errorf("DelayFor(4) = %v, want 5s cap", got)
	}
}
