// Package kerrors defines the supervisor's error taxonomy. Every error that
// crosses a component boundary is one of these types so that the leader
// state machine (the only component allowed to convert an error into a
// state transition) can classify it with errors.As instead of string
// matching.
package kerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError wraps a missing or invalid required environment/flag value.
// Always fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError for the named field.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: errors.WithStack(err)}
}

// KeyError wraps a missing, unreadable or malformed key file. Fatal at
// startup; non-fatal mid-run triggers a transition to Shutdown.
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %s: %v", e.Path, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// NewKeyError wraps err as a KeyError for the given path.
func NewKeyError(path string, err error) error {
	return &KeyError{Path: path, Err: errors.WithStack(err)}
}

// CoordinationError wraps an HTTP or session fault from the coordination
// client. Transient errors should be retried with backoff; permanent ones
// (e.g. ACL denied) should cause the supervisor to shut down.
type CoordinationError struct {
	Transient bool
	Op        string
	Err       error
}

func (e *CoordinationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("coordination(%s) %s: %v", kind, e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// NewCoordinationError wraps err as a CoordinationError.
func NewCoordinationError(op string, transient bool, err error) error {
	return &CoordinationError{Op: op, Transient: transient, Err: errors.WithStack(err)}
}

// ChildErrorKind enumerates the ways the managed neard child can fail.
type ChildErrorKind int

const (
	ChildFailedToSpawn ChildErrorKind = iota
	ChildFailedToBecomeReady
	ChildExited
)

func (k ChildErrorKind) String() string {
	switch k {
	case ChildFailedToSpawn:
		return "failed_to_spawn"
	case ChildFailedToBecomeReady:
		return "failed_to_become_ready"
	case ChildExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ChildError describes a failure of the supervised neard process.
type ChildError struct {
	Kind       ChildErrorKind
	ExitStatus int // valid only when Kind == ChildExited
	Err        error
}

func (e *ChildError) Error() string {
	if e.Kind == ChildExited {
		return fmt.Sprintf("child %s(%d): %v", e.Kind, e.ExitStatus, e.Err)
	}
	return fmt.Sprintf("child %s: %v", e.Kind, e.Err)
}

func (e *ChildError) Unwrap() error { return e.Err }

// NewChildError wraps err as a ChildError of the given kind.
func NewChildError(kind ChildErrorKind, err error) error {
	return &ChildError{Kind: kind, Err: errors.WithStack(err)}
}

// NewChildExitedError reports a reaped exit with its status code.
func NewChildExitedError(status int, err error) error {
	return &ChildError{Kind: ChildExited, ExitStatus: status, Err: errors.WithStack(err)}
}

// ScrapeError wraps a transient failure to scrape neard's metrics endpoint.
// It becomes a ChildError(failed_to_become_ready) once it persists beyond
// scrape_unhealthy.
type ScrapeError struct {
	Err error
}

func (e *ScrapeError) Error() string { return fmt.Sprintf("scrape: %v", e.Err) }
func (e *ScrapeError) Unwrap() error { return e.Err }

// NewScrapeError wraps err as a ScrapeError.
func NewScrapeError(err error) error {
	return &ScrapeError{Err: errors.WithStack(err)}
}

// MaintenanceErrorKind enumerates the ways a maintenance request can fail.
type MaintenanceErrorKind int

const (
	MaintenanceNoSlot MaintenanceErrorKind = iota
	MaintenanceAlreadyActive
	MaintenanceCancelNothing
)

func (k MaintenanceErrorKind) String() string {
	switch k {
	case MaintenanceNoSlot:
		return "no_slot"
	case MaintenanceAlreadyActive:
		return "already_active"
	case MaintenanceCancelNothing:
		return "cancel_nothing"
	default:
		return "unknown"
	}
}

// MaintenanceError is returned to control-channel clients; never fatal.
type MaintenanceError struct {
	Kind MaintenanceErrorKind
	Msg  string
}

func (e *MaintenanceError) Error() string { return fmt.Sprintf("maintenance(%s): %s", e.Kind, e.Msg) }

// NewMaintenanceError builds a MaintenanceError of the given kind.
func NewMaintenanceError(kind MaintenanceErrorKind, msg string) error {
	return &MaintenanceError{Kind: kind, Msg: msg}
}

// ControlErrorKind enumerates per-connection control-channel failures.
type ControlErrorKind int

const (
	ControlParseError ControlErrorKind = iota
	ControlUnknownCommand
)

func (k ControlErrorKind) String() string {
	switch k {
	case ControlParseError:
		return "parse"
	case ControlUnknownCommand:
		return "unknown_command"
	default:
		return "unknown"
	}
}

// ControlError is scoped to a single control-channel connection; it never
// affects supervisor state.
type ControlError struct {
	Kind ControlErrorKind
	Msg  string
}

func (e *ControlError) Error() string { return fmt.Sprintf("control(%s): %s", e.Kind, e.Msg) }

// NewControlError builds a ControlError of the given kind.
func NewControlError(kind ControlErrorKind, msg string) error {
	return &ControlError{Kind: kind, Msg: msg}
}
