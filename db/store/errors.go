package store

import "fmt"

// ErrObjectNotFound is returned when no document exists for a UID.
type ErrObjectNotFound struct {
	UID string
}

func (e *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("object not found: %s", e.UID)
}

// StorageUnavailable wraps any backend failure. Callers must assume nothing
// was written for the failing operation.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailable) Unwrap() error {
	return e.Err
}
