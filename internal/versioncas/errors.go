package versioncas

import (
	"errors"
	"fmt"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrDataCorruption  = errors.New("data corruption")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownKind     = errors.New("unknown kind")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrDuplicate       = errors.New("duplicate")
)

// ConflictError reports a conditional write that matched no row: another
// writer changed the version after it was read.
type ConflictError struct {
	Kind            Kind
	ID              string
	ExpectedVersion string
}

func (e *ConflictError) Error() string {
	if e.ExpectedVersion == "" {
		return fmt.Sprintf("version conflict on %s %s: row inserted concurrently", e.Kind, e.ID)
	}
	return fmt.Sprintf("version conflict on %s %s: expected version %s", e.Kind, e.ID, e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// CorruptionError reports a single-key write that touched more than one row.
type CorruptionError struct {
	Kind         Kind
	ID           string
	RowsAffected int64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("data corruption on %s %s: %d rows affected", e.Kind, e.ID, e.RowsAffected)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrDataCorruption
}

// ForbiddenError reports a write whose row is stored under another
// workspace.
type ForbiddenError struct {
	Kind        Kind
	ID          string
	WorkspaceID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s does not belong to workspace %s", e.Kind, e.ID, e.WorkspaceID)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// DuplicateError reports a write rejected by a uniqueness rule other than the
// primary key, such as a second customer with the same email.
type DuplicateError struct {
	Kind       Kind
	ID         string
	Constraint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s %s: violates %s", e.Kind, e.ID, e.Constraint)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
