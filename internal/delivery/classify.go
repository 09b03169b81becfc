package delivery

import "github.com/rmunteanu/astra-console/internal/ledger"

// Classify maps invocation evidence to a run status. Priority order is
// fixed: cancellation wins over everything, then timeout, then the
// verdict/exit-code table. The verdict artifact is the authoritative
// signal; the raw exit code alone never produces Success.
func Classify(canceled, timedOut, verdictPresent bool, exitCode int) ledger.Status {
	switch {
	case canceled:
		return ledger.StatusCanceled
	case timedOut:
		return ledger.StatusTimeout
	case verdictPresent && exitCode == 0:
		return ledger.StatusSuccess
	case verdictPresent:
		return ledger.StatusWarning
	default:
		return ledger.StatusFailed
	}
}
