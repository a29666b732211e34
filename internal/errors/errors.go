// Package errors provides centralized error definitions and error handling utilities
// for devstack. It defines the pipeline's error taxonomy, error constructors with
// context wrapping, and classification helpers used by the CLI to pick exit codes.
//
// # Error Taxonomy
//
// Pipeline errors fall into four groups:
//   - IntakeError: the run request names units that cannot be resolved. Fatal,
//     raised before any side effect.
//   - UnitError: one unit failed a Setup or Build step. Never crosses a phase
//     boundary as an error; the orchestrator records it as data.
//   - PhaseError: a phase produced zero survivors. Fatal for the run.
//   - GitError: a VCS operation failed. Usually wrapped in a UnitError.
//
// Semantic errors (ValidationError, TimeoutError) describe common conditions.
//
// # Usage
//
//	err := errors.NewIntakeError("unknown unit", errors.ErrUnknownUnit).WithUnits("unit-ghost")
//	if errors.Is(err, errors.ErrUnknownUnit) { ... }
//
//	var phaseErr *errors.PhaseError
//	if errors.As(err, &phaseErr) { ... }
//
//	os.Exit(errors.ExitCode(err))
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that abort a run.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Intake sentinel errors
var (
	// ErrUnknownUnit indicates a requested unit is not declared in the catalog.
	ErrUnknownUnit = New("unknown unit")
	// ErrWorkerWithoutParent indicates a worker was requested without its parent.
	ErrWorkerWithoutParent = New("worker requested without its parent")
)

// Unit-local sentinel errors
var (
	// ErrNoSource indicates a unit has no source repository configured.
	ErrNoSource = New("no source configured")
	// ErrRefNotFound indicates neither the declared nor the alternate ref exists remotely.
	ErrRefNotFound = New("ref not found")
	// ErrRequiredConfigMissing indicates a required config overlay source is absent.
	ErrRequiredConfigMissing = New("required config missing")
	// ErrDescriptorMissing indicates the unit's build descriptor could not be found.
	ErrDescriptorMissing = New("build descriptor missing")
	// ErrParentFailed indicates a worker's parent unit failed setup.
	ErrParentFailed = New("parent unit failed setup")
	// ErrBuildFailed indicates the image build failed.
	ErrBuildFailed = New("build failed")
)

// Phase sentinel errors
var (
	// ErrNothingToBuild indicates no unit survived the setup phase.
	ErrNothingToBuild = New("nothing to build")
	// ErrNothingBuilt indicates no unit survived the build phase.
	ErrNothingBuilt = New("nothing built")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// DevstackError is the base interface for all devstack errors.
type DevstackError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "prefix [k=v, ...]: message: cause".
func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Pipeline Errors
// -----------------------------------------------------------------------------

// IntakeError reports a run request that cannot be resolved against the catalog.
//
// Example:
//
//	err := errors.NewIntakeError("cannot resolve request", errors.ErrUnknownUnit).WithUnits("unit-ghost")
//	fmt.Println(err) // "intake error [units=unit-ghost]: cannot resolve request: unknown unit"
type IntakeError struct {
	baseError
	Units []string
}

// NewIntakeError creates a new IntakeError.
func NewIntakeError(message string, cause error) *IntakeError {
	return &IntakeError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
	}
}

// WithUnits records the offending unit names.
func (e *IntakeError) WithUnits(units ...string) *IntakeError {
	e.Units = append(e.Units, units...)
	return e
}

// Error returns the formatted error message.
func (e *IntakeError) Error() string {
	var parts []string
	if len(e.Units) > 0 {
		parts = append(parts, "units="+strings.Join(e.Units, ","))
	}
	return e.format("intake error", parts)
}

// Is checks if this error matches the target.
func (e *IntakeError) Is(target error) bool {
	if _, ok := target.(*IntakeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// UnitError reports a failed Setup or Build step for a single unit.
//
// Example:
//
//	err := errors.NewUnitError("overlay failed", errors.ErrRequiredConfigMissing).
//		WithUnit("unit-b").WithStep("config")
type UnitError struct {
	baseError
	Unit string
	Step string
}

// NewUnitError creates a new UnitError.
func NewUnitError(message string, cause error) *UnitError {
	return &UnitError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithUnit adds a unit name to the error context.
func (e *UnitError) WithUnit(unit string) *UnitError {
	e.Unit = unit
	return e
}

// WithStep adds the failing step to the error context.
func (e *UnitError) WithStep(step string) *UnitError {
	e.Step = step
	return e
}

// Error returns the formatted error message.
func (e *UnitError) Error() string {
	var parts []string
	if e.Unit != "" {
		parts = append(parts, "unit="+e.Unit)
	}
	if e.Step != "" {
		parts = append(parts, "step="+e.Step)
	}
	return e.format("unit error", parts)
}

// Is checks if this error matches the target.
func (e *UnitError) Is(target error) bool {
	if _, ok := target.(*UnitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PhaseError reports that a phase produced no survivors or could not run at all.
type PhaseError struct {
	baseError
	Phase  string
	Failed []string
}

// NewPhaseError creates a new PhaseError.
func NewPhaseError(phase, message string, cause error) *PhaseError {
	return &PhaseError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
		Phase: phase,
	}
}

// WithFailed records the units that failed in the phase.
func (e *PhaseError) WithFailed(units ...string) *PhaseError {
	e.Failed = append(e.Failed, units...)
	return e
}

// Error returns the formatted error message.
func (e *PhaseError) Error() string {
	var parts []string
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	if len(e.Failed) > 0 {
		parts = append(parts, "failed="+strings.Join(e.Failed, ","))
	}
	return e.format("phase error", parts)
}

// Is checks if this error matches the target.
func (e *PhaseError) Is(target error) bool {
	if _, ok := target.(*PhaseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("clone failed", cause).WithRepository(url).WithRetryable(true)
type GitError struct {
	baseError
	Ref        string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithRef adds a ref name to the error context.
func (e *GitError) WithRef(ref string) *GitError {
	e.Ref = ref
	return e
}

// WithRepository adds a repository path or URL to the error context.
func (e *GitError) WithRepository(repo string) *GitError {
	e.Repository = repo
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Ref != "" {
		parts = append(parts, "ref="+e.Ref)
	}
	if e.Repository != "" {
		parts = append(parts, "repo="+e.Repository)
	}
	msg := e.format("git error", parts)
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			cause:    ErrInvalidInput,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s (got: %v)", e.Field, e.message, e.Value)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("git clone health-api", 5*time.Minute)
//	fmt.Println(err) // "timeout error: git clone health-api (timeout: 5m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityError,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var devErr DevstackError
	if As(err, &devErr) {
		return devErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement DevstackError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var devErr DevstackError
	if As(err, &devErr) {
		return devErr.Severity()
	}
	return SeverityError
}

// IsFatal reports whether err aborts a run: intake errors and phase-total failures.
func IsFatal(err error) bool {
	var intake *IntakeError
	var phase *PhaseError
	return As(err, &intake) || As(err, &phase)
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
