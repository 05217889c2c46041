package vm

import (
	"fmt"

	"github.com/cindervm/cinder/internal/model"
)

// rustTemplateDir is the pre-built cargo project baked into the Rust rootfs,
// with dependencies already compiled so only the user's crate builds.
const rustTemplateDir = "/opt/rust-template"

// guestCleanupCommand removes per-execution scratch files inside the guest.
const guestCleanupCommand = "rm -rf /tmp/user_code_* /tmp/execution_*"

// executionCommand builds the in-guest shell command that runs the user's
// source file. The timeout wraps python and rust directly; tsx has no
// shell-level timeout and relies on the agent's process-group kill.
func executionCommand(lang model.Language, guestPath string, timeoutSeconds int) string {
	switch lang {
	case model.LanguagePython:
		return fmt.Sprintf("timeout %d python3 %s 2>&1", timeoutSeconds, guestPath)
	case model.LanguageTypeScript:
		return fmt.Sprintf("tsx %s < /dev/null 2>&1", guestPath)
	case model.LanguageRust:
		return fmt.Sprintf("cp %s %s/src/main.rs && cd %s && timeout %d cargo run --release 2>&1",
			guestPath, rustTemplateDir, rustTemplateDir, timeoutSeconds)
	}
	return ""
}

// healthProgram is the trivial program run after a reset to verify the
// toolchain still works; its stdout must contain healthProbeOutput.
func healthProgram(lang model.Language) string {
	switch lang {
	case model.LanguagePython:
		return `print("health_check")`
	case model.LanguageTypeScript:
		return `console.log("health_check")`
	case model.LanguageRust:
		return `fn main() { println!("health_check"); }`
	}
	return ""
}

// healthProbeOutput is the stdout marker a healthy reset must produce.
const healthProbeOutput = "health_check"
