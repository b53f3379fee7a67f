package scd

import (
	"fmt"
	"strings"

	"github.com/dimsync/dimsync/pkg/store"
	"github.com/pkg/errors"
)

// Drop reasons reported for records removed before the merge.
const (
	DropMissingKey        = "missing_business_key"
	DropMissingSequence   = "missing_sequence_value"
	DropUnorderedSequence = "unorderable_sequence_value"
	DropDeleteMarker      = "apply_as_deletes"
	expectationPrefix     = "expectation:"
)

// DropExpectation names the drop reason for a failed expectation.
func DropExpectation(name string) string {
	return expectationPrefix + name
}

// MalformedRecordError describes a record that was dropped from the batch.
// It is counted in the run report and never fails a run.
type MalformedRecordError struct {
	Position int
	Reason   string
	Err      error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record #%d dropped (%s): %v", e.Position, e.Reason, e.Err)
	}
	return fmt.Sprintf("record #%d dropped (%s)", e.Position, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError aborts a run when a record carries columns outside the
// expected schema. Nothing is committed.
type SchemaMismatchError struct {
	Position   int
	Unexpected []string
	Expected   []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("record #%d does not match the expected schema: unexpected column(s) %s (expected: %s)",
		e.Position, strings.Join(e.Unexpected, ", "), strings.Join(e.Expected, ", "))
}

// KeyError is a merge decision that failed for a single key. Other keys of
// the batch are unaffected.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key [%s]: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed commit should be retried against a
// fresh snapshot.
func IsRetryable(err error) bool {
	var conflict *store.ConflictError
	var unavailable *store.StoreUnavailableError
	return errors.As(err, &conflict) || errors.As(err, &unavailable)
}
