package domain

// ExitFlags are the bits of a robocopy exit code
type ExitFlags int

const (
	ExitCopies     ExitFlags = 1 << iota // one or more files were copied
	ExitExtraItems                       // extra files or folders were detected
	ExitMismatch                         // file <-> folder mismatches
	ExitCopyErrors                       // some items could not be copied
	ExitFatalError                       // robocopy did not copy anything

	// ExitAborted marks a run killed by the operator, never reported by the tool
	ExitAborted ExitFlags = -1
)

// Severity of a logged outcome, mirrors the Windows event log entry types
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Classification is the structured outcome of one completed run
type Classification struct {
	Code     int
	Aborted  bool
	Success  bool
	Severity Severity
	// Message is a format string taking the quoted source and destination
	Message string
}

// Has reports whether any of flags is set in the classified exit code
func (c Classification) Has(flags ExitFlags) bool {
	if c.Aborted {
		return false
	}
	return ExitFlags(c.Code)&flags != 0
}

// Classify maps a completed run to its outcome.
// A run counts as successful unless it was aborted or robocopy reported
// a fatal error or copy errors; mismatches only lower the severity.
func Classify(aborted bool, code int) Classification {
	if aborted || code == int(ExitAborted) {
		return Classification{
			Code:     int(ExitAborted),
			Aborted:  true,
			Severity: SeverityError,
			Message:  "Operation aborted while mirroring %s to %s.",
		}
	}

	c := Classification{Code: code, Success: true, Severity: SeverityInfo}
	flags := ExitFlags(code)

	switch {
	case code == 0:
		c.Message = "Already in sync: %s and %s"
	case flags&ExitFatalError != 0:
		c.Success = false
		c.Severity = SeverityError
		c.Message = "A fatal error occurred while trying to mirror %s to %s."
	case flags&ExitCopyErrors != 0:
		c.Success = false
		c.Severity = SeverityError
		c.Message = "Some items could not be mirrored from %s to %s."
	case flags&ExitMismatch != 0:
		c.Severity = SeverityWarning
		c.Message = "Some file <-> folder mismatches while mirroring %s to %s."
	default:
		c.Message = "Success: %s mirrored to %s"
	}

	return c
}
