package tkv

import "fmt"

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

// ErrKeyExists is returned when trying to create a key that already exists.
type ErrKeyExists struct {
	Key string
}

func (e *ErrKeyExists) Error() string {
	return fmt.Sprintf("key '%s' already exists", e.Key)
}

// ErrConflictRetriesExhausted is returned when an atomic update kept losing
// the race against concurrent writers.
type ErrConflictRetriesExhausted struct {
	Key      string
	Attempts int
}

func (e *ErrConflictRetriesExhausted) Error() string {
	return fmt.Sprintf("update of key '%s' conflicted %d times", e.Key, e.Attempts)
}
