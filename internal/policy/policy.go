// Package policy defines the execution policies the engine consumes. A policy
// bounds what a single request may ask for; the executor clamps the request's
// timeout to the resolved policy before running anything. Memory is not
// narrowed per request: ClampMemory is not called by the executor.
package policy

// Named policy tags.
const (
	Sandbox    = "sandbox"
	Restricted = "restricted"
)

// Policy bounds the resources one execution may consume.
type Policy struct {
	Name              string
	MaxTimeoutSeconds int
	MaxMemoryMiB      int
	NetworkEnabled    bool
	PoolSizeHint      int
}

var policies = map[string]Policy{
	Sandbox: {
		Name:              Sandbox,
		MaxTimeoutSeconds: 10,
		MaxMemoryMiB:      64,
		NetworkEnabled:    false,
		PoolSizeHint:      3,
	},
	Restricted: {
		Name:              Restricted,
		MaxTimeoutSeconds: 30,
		MaxMemoryMiB:      128,
		NetworkEnabled:    true,
		PoolSizeHint:      3,
	},
}

// Resolve returns the named policy. Unknown tags resolve to the sandbox
// policy, the most restrictive one.
func Resolve(tag string) Policy {
	if p, ok := policies[tag]; ok {
		return p
	}
	return policies[Sandbox]
}

// ClampTimeout bounds a requested timeout (seconds) to the policy maximum.
// Non-positive requests clamp to zero; the guest agent treats a zero timeout
// as already expired.
func (p Policy) ClampTimeout(requested int) int {
	if requested < 0 {
		return 0
	}
	if requested > p.MaxTimeoutSeconds {
		return p.MaxTimeoutSeconds
	}
	return requested
}

// ClampMemory bounds a memory request (MiB) to the policy maximum.
func (p Policy) ClampMemory(requested int) int {
	if requested <= 0 || requested > p.MaxMemoryMiB {
		return p.MaxMemoryMiB
	}
	return requested
}
