package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncAlreadyRunning is returned when Run is called while a
	// session is in flight.
	ErrSyncAlreadyRunning = errors.New("sync already running")

	// ErrVersionNotFound is returned when a restore references a
	// version that does not exist.
	ErrVersionNotFound = errors.New("version not found")
)

// ScanError records a single entry that could not be read during a scan.
// The entry is omitted from the snapshot; the scan continues.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// DeltaError indicates the diffing phase could not run at all, e.g. the
// persisted baseline is unreadable. It fails the session.
type DeltaError struct {
	Err error
}

func (e *DeltaError) Error() string {
	return fmt.Sprintf("delta: %v", e.Err)
}

func (e *DeltaError) Unwrap() error { return e.Err }

// IntegrityError reports a post-write verification mismatch for one
// operation. It is retried a bounded number of times before the
// operation is recorded as failed.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// FatalError aborts the whole session: target root unwritable, invalid
// encryption key, state store unavailable.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
