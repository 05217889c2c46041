package vm

import (
	"strings"

	"github.com/cindervm/cinder/internal/model"
	"github.com/cindervm/cinder/internal/transport"
)

// Outcome classifies a guest execution result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimedOut
)

// gnuTimeoutExitCode is what the in-guest timeout(1) wrapper exits with when
// the command overruns.
const gnuTimeoutExitCode = 124

// rustErrorMarkers demote a Rust run to failure when they appear in its
// output, even on a zero return code: cargo reports compilation failures on
// the stream the command merges into stdout.
var rustErrorMarkers = []string{"error:", "error[E", "could not compile"}

// Classify maps a raw guest result to an outcome. The guest agent reports
// its own process-group kill with return code -1 and a stderr beginning
// "timeout"; the shell-level timeout wrapper reports 124.
func Classify(lang model.Language, res transport.ExecResult) Outcome {
	if res.ReturnCode == -1 && strings.HasPrefix(res.Stderr, "timeout") {
		return OutcomeTimedOut
	}
	if res.ReturnCode == gnuTimeoutExitCode {
		return OutcomeTimedOut
	}
	if !res.Success || res.ReturnCode != 0 {
		return OutcomeFailure
	}
	if lang == model.LanguageRust && hasRustCompileError(res.Stdout+res.Stderr) {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func hasRustCompileError(output string) bool {
	for _, marker := range rustErrorMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
