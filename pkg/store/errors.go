package store

import (
	"fmt"
	"strings"
)

// ConflictError is returned by ApplyMutations when another writer changed one
// of the mutated keys after the snapshot was read. Nothing was applied.
type ConflictError struct {
	Table string
	Keys  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of table '%s' detected for %d key(s): %s", e.Table, len(e.Keys), strings.Join(e.Keys, ", "))
}

// StoreUnavailableError wraps a failure to reach the backing storage. Nothing
// was applied.
type StoreUnavailableError struct {
	Table string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("table store for '%s' is unavailable: %v", e.Table, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
