package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Precondition violations. These are user-facing and only succeed on retry
// after the release's state changes.
var (
	ErrWrongStatus            = errors.New("release is not in the required status")
	ErrSelfVerification       = errors.New("a release cannot be verified by the operator who staged it")
	ErrPartialStaging         = errors.New("staged quantities must match requested quantities")
	ErrMissingReason          = errors.New("a reason is required")
	ErrMissingLocation        = errors.New("a staging location is required")
	ErrMissingTruck           = errors.New("a truck number is required")
	ErrMissingOperator        = errors.New("operator identity is required")
	ErrMissingReleaseNumber   = errors.New("a release number is required")
	ErrNoLineItems            = errors.New("a release needs at least one line item")
	ErrDuplicateReleaseNumber = errors.New("release number is already in use")
	ErrLocked                 = errors.New("release is locked by another operator")
	ErrNotLockHolder          = errors.New("release is locked by another operator and cannot be unlocked")
	ErrInvalidStatus          = errors.New("unknown release status")
)

var (
	// ErrNotFound is returned when the release does not exist.
	ErrNotFound = errors.New("release not found")
	// ErrTransient wraps store failures. The caller may retry.
	ErrTransient = errors.New("release store unavailable")
)

var preconditions = []error{
	ErrWrongStatus,
	ErrSelfVerification,
	ErrPartialStaging,
	ErrMissingReason,
	ErrMissingLocation,
	ErrMissingTruck,
	ErrMissingOperator,
	ErrMissingReleaseNumber,
	ErrNoLineItems,
	ErrDuplicateReleaseNumber,
	ErrLocked,
	ErrNotLockHolder,
	ErrInvalidStatus,
}

// IsPrecondition reports whether err contains a precondition violation.
func IsPrecondition(err error) bool {
	for _, p := range preconditions {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// WrongStatusError reports the release's current status and the statuses the
// transition accepts.
type WrongStatusError struct {
	Current string
	Allowed []string
}

func (e *WrongStatusError) Error() string {
	current := e.Current
	if current == "" {
		current = "missing"
	}
	return fmt.Sprintf("release status is %s, must be %s", current, strings.Join(e.Allowed, " or "))
}

// Is matches ErrWrongStatus.
func (e *WrongStatusError) Is(target error) bool { return target == ErrWrongStatus }

// LineShortfall is one line whose staged quantity differs from the request.
type LineShortfall struct {
	Line      int `json:"line"`
	Staged    int `json:"staged"`
	Requested int `json:"requested"`
}

func (l LineShortfall) String() string {
	return fmt.Sprintf("line %d: staged %d but requested %d", l.Line, l.Staged, l.Requested)
}

// PartialStagingError lists every mismatched line.
type PartialStagingError struct {
	Lines []LineShortfall
}

func (e *PartialStagingError) Error() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = l.String()
	}
	return "partial staging not allowed: " + strings.Join(parts, "; ")
}

// Is matches ErrPartialStaging.
func (e *PartialStagingError) Is(target error) bool { return target == ErrPartialStaging }

// LockedError identifies the operator holding the advisory lock.
type LockedError struct {
	HolderID   string
	HolderName string
	Since      time.Time
}

func (e *LockedError) Error() string {
	who := e.HolderName
	if who == "" {
		who = e.HolderID
	}
	return fmt.Sprintf("release is locked by %s since %s", who, e.Since.UTC().Format(time.RFC3339))
}

// Is matches ErrLocked.
func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// PreconditionViolations flattens err into one message per failing
// sub-condition. Partial staging contributes one message per line.
func PreconditionViolations(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var ps *PartialStagingError
		if errors.As(err, &ps) {
			for _, l := range ps.Lines {
				out = append(out, l.String())
			}
			return
		}
		out = append(out, err.Error())
	}
	walk(err)
	return out
}

// violations joins the failing preconditions, or returns nil.
func violations(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
