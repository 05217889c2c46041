package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewVMID generates a short process-unique VM identifier. VM ids are embedded
// in TAP device names ("tap<id>"), which are capped at 15 bytes by the kernel,
// so the id keeps to the last 8 characters of a ULID's entropy segment.
func NewVMID() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-8:])
}
