package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("file not found in local store")
	ErrNoUsableFiles = errors.New("batch produced no usable files")
	ErrStudyNotFound = errors.New("study not found")
	ErrJobCancelled  = errors.New("job cancelled before it started")
)

// ValidationError reports malformed input or a missing required field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// PersistenceError reports a store write, verify or load failure.
type PersistenceError struct {
	Op  string // save, verify, load, delete, clear
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProcessingError reports a per-item parse, anonymize or transport failure.
// It is recorded against the item; the batch it belongs to carries on.
type ProcessingError struct {
	Stage string // extract, parse, store, anonymize, send
	Item  string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Item, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// FailedItem returns the item named by the first ProcessingError in err's
// chain, or "".
func FailedItem(err error) string {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr.Item
	}
	return ""
}
