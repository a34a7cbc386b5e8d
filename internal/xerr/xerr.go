// Package xerr defines the opaque error kinds shared across the analyser
// and the severity tiers used to route a failure between the three levels
// of spec §4.6: fatal, entity-fatal, and advisory.
package xerr

import "fmt"

// Kind discriminates the class of failure. Callers match on it with
// errors.As into *Error, or with errors.Is against an *Error of the same
// Kind.
type Kind int

const (
	_ Kind = iota
	IO
	InvalidFormat
	UnsupportedArch
	MissingSymbol
	PageFaultNonPresent
	PageFaultReserved
	PageFaultOutOfMap
	StructLayoutMismatch
	Truncated
	CycleDetected
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case InvalidFormat:
		return "InvalidFormat"
	case UnsupportedArch:
		return "UnsupportedArch"
	case MissingSymbol:
		return "MissingSymbol"
	case PageFaultNonPresent:
		return "PageFault(NonPresent)"
	case PageFaultReserved:
		return "PageFault(Reserved)"
	case PageFaultOutOfMap:
		return "PageFault(OutOfMap)"
	case StructLayoutMismatch:
		return "StructLayoutMismatch"
	case Truncated:
		return "Truncated"
	case CycleDetected:
		return "CycleDetected"
	case OutOfMemory:
		return "OutOfMemory"
	default:
		return "Unknown"
	}
}

// Severity is the tier at which a failure should be handled, per spec §4.6.
type Severity int

const (
	// Fatal aborts the whole run.
	Fatal Severity = iota
	// EntityFatal means skip the current domain or vCPU and continue.
	EntityFatal
	// Advisory is logged and otherwise ignored.
	Advisory
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case EntityFatal:
		return "entity-fatal"
	case Advisory:
		return "advisory"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by this module. It always
// carries a Kind and a Severity, plus an optional wrapped cause.
type Error struct {
	Kind    Kind
	Sev     Severity
	Msg     string
	Addr    uint64 // relevant address, if any; 0 if not applicable
	HasAddr bool
	Cause   error
}

func (e *Error) Error() string {
	if e.HasAddr {
		return fmt.Sprintf("%s: %s at %#x", e.Kind, e.Msg, e.Addr)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is comparisons between *Error values on Kind alone,
// e.g. errors.Is(err, &xerr.Error{Kind: xerr.IO}); any other target never
// matches.
func (e *Error) Is(target error) bool {
	if o, ok := target.(*Error); ok {
		return e.Kind == o.Kind
	}
	return false
}

// New builds an *Error with the given kind, severity, and message.
func New(kind Kind, sev Severity, msg string, args ...any) *Error {
	return &Error{Kind: kind, Sev: sev, Msg: fmt.Sprintf(msg, args...)}
}

// Wrap builds an *Error that wraps an underlying cause.
func Wrap(kind Kind, sev Severity, cause error, msg string, args ...any) *Error {
	return &Error{Kind: kind, Sev: sev, Msg: fmt.Sprintf(msg, args...), Cause: cause}
}

// AtAddress builds a page-fault-shaped *Error carrying the faulting address.
func AtAddress(kind Kind, sev Severity, addr uint64, msg string, args ...any) *Error {
	return &Error{Kind: kind, Sev: sev, Msg: fmt.Sprintf(msg, args...), Addr: addr, HasAddr: true}
}

// SeverityOf returns the Severity carried by err if it is (or wraps) an
// *Error, and Fatal otherwise — an error of unknown shape is treated as
// fatal since the driver has no basis to believe it's safe to continue.
func SeverityOf(err error) Severity {
	var e *Error
	for err != nil {
		if x, ok := err.(*Error); ok {
			e = x
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Fatal
	}
	return e.Sev
}
