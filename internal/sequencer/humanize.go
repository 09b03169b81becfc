package sequencer

import (
	"strings"

	"github.com/rmunteanu/astra-console/internal/ledger"
)

// tailWindow bounds how much engine output is inspected for a failure
// reason.
const tailWindow = 30

// HumanizeFailure derives a short operator-facing label for a failed
// run from the engine's final output lines.
func HumanizeFailure(output string, status ledger.Status) string {
	switch status {
	case ledger.StatusTimeout:
		return "engine timed out"
	case ledger.StatusCanceled:
		return "canceled by operator"
	}

	lines := strings.Split(output, "\n")
	if len(lines) > tailWindow {
		lines = lines[len(lines)-tailWindow:]
	}
	tail := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case strings.Contains(tail, "timed out") || strings.Contains(tail, "timeout"):
		return "engine timed out"
	case strings.Contains(tail, "could not resolve"),
		strings.Contains(tail, "name or service not known"),
		strings.Contains(tail, "dns"),
		strings.Contains(tail, "unreachable"),
		strings.Contains(tail, "connection refused"),
		strings.Contains(tail, "connection reset"):
		return "site unreachable"
	case strings.Contains(tail, "certificate"):
		return "tls certificate problem"
	default:
		return "no evidence produced"
	}
}
