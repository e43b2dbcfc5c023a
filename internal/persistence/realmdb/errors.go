package realmdb

import "fmt"

// ValidationError is returned when a payload fails the store's static
// rules before any row is touched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

type ForbiddenError struct {
	Msg string
}

func (e *ForbiddenError) Error() string { return e.Msg }

// VersionConflictError reports a stale expectedVersion on a versioned
// collection. Actual is the version currently persisted.
type VersionConflictError struct {
	Collection string
	Expected   int64
	Actual     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s version conflict: expected %d, actual %d", e.Collection, e.Expected, e.Actual)
}

// InsufficientResourceError reports the first balance (or inventory
// holding) that a batch adjustment would have driven negative.
type InsufficientResourceError struct {
	ResourceType string
	Requested    int64
	Available    int64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: requested %d, available %d", e.ResourceType, e.Requested, e.Available)
}

// TradeStateError reports an operation applied to a trade whose status
// no longer admits it.
type TradeStateError struct {
	TradeID string
	Status  string
	Op      string
}

func (e *TradeStateError) Error() string {
	return fmt.Sprintf("trade %s: cannot %s in status %q", e.TradeID, e.Op, e.Status)
}
