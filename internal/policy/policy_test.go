package policy_test

import (
	"testing"

	"github.com/cindervm/cinder/internal/policy"
)

func TestResolve(t *testing.T) {
	if p := policy.Resolve(policy.Restricted); p.MaxTimeoutSeconds != 30 || !p.NetworkEnabled {
		t.Errorf("restricted policy = %+v", p)
	}
	if p := policy.Resolve(policy.Sandbox); p.MaxMemoryMiB != 64 || p.NetworkEnabled {
		t.Errorf("sandbox policy = %+v", p)
	}
	// Unknown tags fall back to the most restrictive policy.
	if p := policy.Resolve("no-such-policy"); p.Name != policy.Sandbox {
		t.Errorf("Resolve(unknown) = %q, want sandbox", p.Name)
	}
}

func TestClampTimeout(t *testing.T) {
	p := policy.Resolve(policy.Sandbox)

	tests := []struct {
		requested, want int
	}{
		{requested: 5, want: 5},
		{requested: 10, want: 10},
		{requested: 60, want: 10},
		{requested: 0, want: 0},
		{requested: -1, want: 0},
	}
	for _, tt := range tests {
		if got := p.ClampTimeout(tt.requested); got != tt.want {
			t.Errorf("ClampTimeout(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestClampMemory(t *testing.T) {
	p := policy.Resolve(policy.Restricted)

	if got := p.ClampMemory(64); got != 64 {
		t.Errorf("ClampMemory(64) = %d, want 64", got)
	}
	if got := p.ClampMemory(4096); got != 128 {
		t.Errorf("ClampMemory(4096) = %d, want 128", got)
	}
	if got := p.ClampMemory(0); got != 128 {
		t.Errorf("ClampMemory(0) = %d, want 128", got)
	}
}
