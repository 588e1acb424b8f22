// Package zserr collects the engine's sentinel error kinds so that
// every other package can wrap with fmt.Errorf("...: %w", zserr.X) and
// callers can branch with errors.Is/errors.As without importing each
// producing package's own error type.
package zserr

import "errors"

// Sentinel kinds. Wrap these with call-specific context at the point of
// failure, e.g. fmt.Errorf("append message: %w", zserr.ErrStorage).
var (
	ErrStorage                 = errors.New("storage error")
	ErrLockTimeout             = errors.New("lock timeout")
	ErrSandbox                 = errors.New("sandbox error")
	ErrScriptContract          = errors.New("script contract error")
	ErrMissingOutput           = errors.New("missing output error")
	ErrTemplate                = errors.New("template error")
	ErrMissingParams           = errors.New("missing params error")
	ErrUnknownHookAction       = errors.New("unknown hook action")
	ErrIsolation               = errors.New("isolation error")
	ErrChildSpawn              = errors.New("child spawn error")
	ErrChildTimeout            = errors.New("child timeout")
	ErrAgentExhausted          = errors.New("agent exhausted")
	ErrOperationValidation     = errors.New("operation validation error")
	ErrResumeNotPossible       = errors.New("resume not possible")
	ErrHook                    = errors.New("hook error")
)

// UserVisible is the shape every user-facing failure should carry:
// cluster id, offending agent id (if any), task id,
// iteration, and a one-line cause.
type UserVisible struct {
	ClusterID string
	AgentID   string
	TaskID    string
	Iteration int
	Cause     error
}

func (e *UserVisible) Error() string {
	msg := "cluster " + e.ClusterID
	if e.AgentID != "" {
		msg += " agent " + e.AgentID
	}
	if e.TaskID != "" {
		msg += " task " + e.TaskID
	}
	msg += ": "
	if e.Cause != nil {
		msg += e.Cause.Error()
	}
	return msg
}

func (e *UserVisible) Unwrap() error { return e.Cause }
