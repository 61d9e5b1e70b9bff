// Package errors defines the error kinds used across the master control
// plane. Each kind has a stable wire name so a client on the other side
// of LUXI/RAPI can recover the same distinction without reflection (see
// Envelope).
package errors

import "fmt"

// ECode is a user-facing error code attached to OpPrereqError, naming
// which class of precondition failed.
type ECode string

const (
	ECodeInval     ECode = "INVAL"
	ECodeNoEnt     ECode = "NOENT"
	ECodeExists    ECode = "EXISTS"
	ECodeState     ECode = "STATE"
	ECodeEnviron   ECode = "ENVIRON"
	ECodeNoRes     ECode = "NORES"
	ECodeResolver  ECode = "RESOLVER"
	ECodeFault     ECode = "FAULT"
	ECodeNotUnique ECode = "NOTUNIQUE"
)

// GanetiError is the marker interface every error kind below implements,
// so callers can type-switch without caring about the concrete package.
type GanetiError interface {
	error
	Kind() string
}

// ProgrammerError signals an invariant violation. It is always a bug, and
// is logged with a stack trace in addition to being surfaced — hiding it
// would only hide the bug.
type ProgrammerError struct{ Msg string }

func (e *ProgrammerError) Error() string { return "programmer error: " + e.Msg }
func (e *ProgrammerError) Kind() string  { return "ProgrammerError" }

// NewProgrammerError builds a ProgrammerError with a formatted message.
func NewProgrammerError(format string, args ...interface{}) *ProgrammerError {
	return &ProgrammerError{Msg: fmt.Sprintf(format, args...)}
}

// ConfigurationError signals the persisted configuration is inconsistent.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }
func (e *ConfigurationError) Kind() string  { return "ConfigurationError" }

// OpPrereqError is raised by CheckPrereq; it aborts an opcode before any
// hooks run and before Exec, and is always user-facing.
type OpPrereqError struct {
	Msg   string
	ECode ECode
}

func (e *OpPrereqError) Error() string { return e.Msg }
func (e *OpPrereqError) Kind() string  { return "OpPrereqError" }

func NewOpPrereqError(ecode ECode, format string, args ...interface{}) *OpPrereqError {
	return &OpPrereqError{Msg: fmt.Sprintf(format, args...), ECode: ecode}
}

// OpExecError is raised by Exec; the operation had already started, so
// post-hooks do not run but the config may already carry partial effects.
type OpExecError struct{ Msg string }

func (e *OpExecError) Error() string { return e.Msg }
func (e *OpExecError) Kind() string  { return "OpExecError" }

func NewOpExecError(format string, args ...interface{}) *OpExecError {
	return &OpExecError{Msg: fmt.Sprintf(format, args...)}
}

// HookFailure is one (node, script, output) tuple from a failed hook run.
type HookFailure struct {
	Node   string
	Script string
	Output string
}

// HooksAbort is raised when a pre-phase hook fails; it carries every
// failure so the caller can report them all, not just the first.
type HooksAbort struct{ Failures []HookFailure }

func (e *HooksAbort) Error() string {
	return fmt.Sprintf("hooks execution aborted (%d failure(s))", len(e.Failures))
}
func (e *HooksAbort) Kind() string { return "HooksAbort" }

// HooksFailure is a communication-level failure running hooks (e.g. the
// RPC fan-out returned no results at all).
type HooksFailure struct{ Msg string }

func (e *HooksFailure) Error() string { return "hooks failure: " + e.Msg }
func (e *HooksFailure) Kind() string  { return "HooksFailure" }

// LockError is raised by the lock manager for anything that isn't a plain
// timeout (e.g. acquiring a removed lock, releasing a lock not held).
type LockError struct{ Msg string }

func (e *LockError) Error() string { return "lock error: " + e.Msg }
func (e *LockError) Kind() string  { return "LockError" }

// LockAcquireTimeout is returned (not raised as a Go panic) when an
// acquire's deadline elapses; the processor maps it to an OpPrereqError.
type LockAcquireTimeout struct{}

func (e *LockAcquireTimeout) Error() string { return "timeout acquiring lock(s)" }
func (e *LockAcquireTimeout) Kind() string  { return "LockAcquireTimeout" }

// JobQueueError is a generic job-queue failure.
type JobQueueError struct{ Msg string }

func (e *JobQueueError) Error() string { return "job queue error: " + e.Msg }
func (e *JobQueueError) Kind() string  { return "JobQueueError" }

// JobQueueFull is returned when the queue is at its hard pending limit.
type JobQueueFull struct{ Limit int }

func (e *JobQueueFull) Error() string {
	return fmt.Sprintf("job queue full (limit %d)", e.Limit)
}
func (e *JobQueueFull) Kind() string { return "JobQueueFull" }

// JobQueueDrainError is returned when submission is rejected because the
// queue has a drain sentinel in place.
type JobQueueDrainError struct{}

func (e *JobQueueDrainError) Error() string { return "job queue is draining" }
func (e *JobQueueDrainError) Kind() string  { return "JobQueueDrainError" }

// AddressPoolError covers out-of-range reservations, full pools and
// out-of-bounds network sizes.
type AddressPoolError struct{ Msg string }

func (e *AddressPoolError) Error() string { return e.Msg }
func (e *AddressPoolError) Kind() string  { return "AddressPoolError" }

func NewAddressPoolError(format string, args ...interface{}) *AddressPoolError {
	return &AddressPoolError{Msg: fmt.Sprintf(format, args...)}
}

// ResolverError covers hostname resolution failures.
type ResolverError struct{ Msg string }

func (e *ResolverError) Error() string { return e.Msg }
func (e *ResolverError) Kind() string  { return "ResolverError" }

// SignatureError is raised by confd when an HMAC signature fails to verify.
type SignatureError struct{ Msg string }

func (e *SignatureError) Error() string { return "signature error: " + e.Msg }
func (e *SignatureError) Kind() string  { return "SignatureError" }

// ConfdMagicError is raised when a confd datagram's magic prefix is wrong.
type ConfdMagicError struct{ Msg string }

func (e *ConfdMagicError) Error() string { return "confd magic error: " + e.Msg }
func (e *ConfdMagicError) Kind() string  { return "ConfdMagicError" }

// ConfdClientError covers client-side misuse (duplicate salt, bad coverage).
type ConfdClientError struct{ Msg string }

func (e *ConfdClientError) Error() string { return e.Msg }
func (e *ConfdClientError) Kind() string  { return "ConfdClientError" }

// BlockDeviceError covers DRBD/LVM block-device level failures.
type BlockDeviceError struct{ Msg string }

func (e *BlockDeviceError) Error() string { return e.Msg }
func (e *BlockDeviceError) Kind() string  { return "BlockDeviceError" }

func NewBlockDeviceError(format string, args ...interface{}) *BlockDeviceError {
	return &BlockDeviceError{Msg: fmt.Sprintf(format, args...)}
}

// QuitGaneti signals the master process should terminate gracefully; it
// is not a failure, it carries the exit payload to report.
type QuitGaneti struct {
	Success bool
	Payload string
}

func (e *QuitGaneti) Error() string { return "quit requested: " + e.Payload }
func (e *QuitGaneti) Kind() string  { return "QuitGanetiException" }

// Envelope is the wire representation used to re-raise an error across
// LUXI/RAPI: the receiving side matches Type against a small registry and
// reinstates the concrete Go type instead of a generic error string.
type Envelope struct {
	Type    string `json:"error_type"`
	ECode   ECode  `json:"ecode,omitempty"`
	Message string `json:"message"`
}

// ToEnvelope converts any GanetiError into its wire form.
func ToEnvelope(err error) Envelope {
	if ge, ok := err.(GanetiError); ok {
		env := Envelope{Type: ge.Kind(), Message: ge.Error()}
		if pe, ok := err.(*OpPrereqError); ok {
			env.ECode = pe.ECode
		}
		return env
	}
	return Envelope{Type: "Error", Message: err.Error()}
}

// FromEnvelope reinstates the concrete error type named by the envelope.
func FromEnvelope(env Envelope) error {
	switch env.Type {
	case "ProgrammerError":
		return &ProgrammerError{Msg: env.Message}
	case "ConfigurationError":
		return &ConfigurationError{Msg: env.Message}
	case "OpPrereqError":
		return &OpPrereqError{Msg: env.Message, ECode: env.ECode}
	case "OpExecError":
		return &OpExecError{Msg: env.Message}
	case "HooksFailure":
		return &HooksFailure{Msg: env.Message}
	case "LockError":
		return &LockError{Msg: env.Message}
	case "LockAcquireTimeout":
		return &LockAcquireTimeout{}
	case "JobQueueError":
		return &JobQueueError{Msg: env.Message}
	case "JobQueueFull":
		return &JobQueueFull{}
	case "JobQueueDrainError":
		return &JobQueueDrainError{}
	case "AddressPoolError":
		return &AddressPoolError{Msg: env.Message}
	case "ResolverError":
		return &ResolverError{Msg: env.Message}
	case "SignatureError":
		return &SignatureError{Msg: env.Message}
	case "ConfdMagicError":
		return &ConfdMagicError{Msg: env.Message}
	case "ConfdClientError":
		return &ConfdClientError{Msg: env.Message}
	case "BlockDeviceError":
		return &BlockDeviceError{Msg: env.Message}
	default:
		return fmt.Errorf("%s", env.Message)
	}
}
