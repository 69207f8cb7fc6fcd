// Package errkind classifies errors by handling policy (see §7 of the core
// specification): which layer retries, which layer audits, and which layer
// terminates the process. It is a classification, not a type hierarchy —
// callers attach a Kind to an audit entry or an IPC error frame rather than
// type-switching on Go error types.
package errkind

// Kind names a handling policy for an error.
type Kind string

const (
	// Transient errors are retried with exponential backoff: network
	// timeouts, 5xx, 429, IPC reconnect needed.
	Transient Kind = "transient"

	// Unauthorized triggers one token refresh and retry; a second failure
	// escalates to the caller.
	Unauthorized Kind = "unauthorized"

	// NeedsReauth marks a token terminal: bot exits cleanly, Supervisor
	// does not auto-restart until an external onboarding step clears it.
	NeedsReauth Kind = "needs_reauth"

	// Protocol errors close the offending IPC session only.
	Protocol Kind = "protocol"

	// Consistency errors (decrypt failure, foreign-key violation) are
	// audited at severity error; the operation fails with no silent
	// recovery.
	Consistency Kind = "consistency"

	// FatalStartup errors cause the owning component to exit non-zero:
	// missing encryption key, unreadable database, Hub failed to start.
	FatalStartup Kind = "fatal_startup"
)

// Error wraps an underlying error with its handling classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New classifies err under kind. A nil err yields a nil *Error.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}
