package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrConflict      = errors.New("conflict")
)

// Orchestration failure kinds. Each is a marker that callers test with
// errors.Is; the typed structs below carry the matching context.
var (
	ErrInitialization = errors.New("run initialization failure")
	ErrLeaseExpired   = errors.New("lease expired")
	ErrTransientStage = errors.New("transient stage failure")
	ErrTerminalStage  = errors.New("terminal stage failure")
	ErrPoisonMessage  = errors.New("poison message")
)

// ErrorKind names the failure category recorded in logs and persisted state.
type ErrorKind string

const (
	KindUnknown        ErrorKind = "unknown"
	KindValidation     ErrorKind = "validation"
	KindConfiguration  ErrorKind = "configuration"
	KindNotFound       ErrorKind = "not_found"
	KindTimeout        ErrorKind = "timeout"
	KindTransient      ErrorKind = "transient"
	KindConflict       ErrorKind = "conflict"
	KindInitialization ErrorKind = "initialization"
	KindLeaseExpired   ErrorKind = "lease_expired"
	KindTerminal       ErrorKind = "terminal"
	KindPoison         ErrorKind = "poison"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Transient marks a stage failure as retryable through queue redelivery.
func Transient(stage, operation, message string, err error) error {
	return Wrap(ErrTransientStage, stage, operation, message, err)
}

// Terminal marks a stage failure as non-retryable. The work item is recorded as
// completed and unsuccessful.
func Terminal(stage, operation, message string, err error) error {
	return Wrap(ErrTerminalStage, stage, operation, message, err)
}

// IsTerminal reports whether a stage error must not be retried. Unclassified
// errors are treated as transient.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTransientStage), errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout):
		return false
	case errors.Is(err, ErrTerminalStage),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPoisonMessage):
		return true
	default:
		return false
	}
}

// Kind maps an error onto its ErrorKind.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInitialization):
		return KindInitialization
	case errors.Is(err, ErrLeaseExpired):
		return KindLeaseExpired
	case errors.Is(err, ErrPoisonMessage):
		return KindPoison
	case errors.Is(err, ErrTerminalStage):
		return KindTerminal
	case errors.Is(err, ErrTransientStage), errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindUnknown
	}
}

// ErrorDetails is the structured view of an error used for log attributes.
type ErrorDetails struct {
	Kind      ErrorKind
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts a structured summary from err. The message is the error
// text with the marker prefix removed.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{Kind: KindUnknown}
	}
	details := ErrorDetails{Kind: Kind(err), Cause: errors.Unwrap(err)}
	message := err.Error()
	for _, marker := range markers {
		if prefix := marker.Error() + ": "; strings.HasPrefix(message, prefix) {
			message = strings.TrimPrefix(message, prefix)
			break
		}
	}
	details.Message = message

	var initErr *InitializationFailure
	if errors.As(err, &initErr) {
		details.Operation = "initialize run state"
		details.Hint = "check state store availability"
	}
	var leaseErr *LeaseExpiredError
	if errors.As(err, &leaseErr) {
		details.Operation = leaseErr.Operation
		details.Hint = "another worker may own the message; re-check ownership"
	}
	var poison *PoisonMessageError
	if errors.As(err, &poison) {
		details.Operation = "receive"
		details.Hint = "inspect the dead-letter table"
	}
	return details
}

var markers = []error{
	ErrInitialization, ErrLeaseExpired, ErrTransientStage, ErrTerminalStage, ErrPoisonMessage,
	ErrValidation, ErrConfiguration, ErrNotFound, ErrTimeout, ErrTransient, ErrConflict,
}

// InitializationFailure is returned when the state store could not seed a run.
type InitializationFailure struct {
	RunID    string
	Pipeline string
	Err      error
}

func (e *InitializationFailure) Error() string {
	msg := fmt.Sprintf("%s: run %s for pipeline %s could not be initialized", ErrInitialization, e.RunID, e.Pipeline)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InitializationFailure) Is(target error) bool { return target == ErrInitialization }

func (e *InitializationFailure) Unwrap() error { return e.Err }

// LeaseExpiredError reports a delete or extend that raced with redelivery.
type LeaseExpiredError struct {
	MessageID string
	Operation string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("%s: %s message %s: pop receipt no longer matches", ErrLeaseExpired, e.Operation, e.MessageID)
}

func (e *LeaseExpiredError) Is(target error) bool { return target == ErrLeaseExpired }

// PoisonMessageError describes a message dead-lettered after too many deliveries.
type PoisonMessageError struct {
	MessageID       string
	DequeueCount    int
	MaxDequeueCount int
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("%s: message %s dequeue count %d exceeded %d",
		ErrPoisonMessage, e.MessageID, e.DequeueCount, e.MaxDequeueCount)
}

func (e *PoisonMessageError) Is(target error) bool { return target == ErrPoisonMessage }

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
