package conversion

import (
	"errors"
	"fmt"
)

// ErrNoInput is matched by every InputError.
var ErrNoInput = errors.New("no acceptable input files")

// InputError is returned when filtering leaves nothing to convert.
type InputError struct {
	Staged   int
	Rejected int
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%v: %d staged, %d rejected", ErrNoInput, e.Staged, e.Rejected)
}

func (e *InputError) Unwrap() error { return ErrNoInput }

// ConversionError aborts the whole job. No artifact is left behind.
type ConversionError struct {
	Stage string
	File  string
	Err   error
}

func (e *ConversionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Stage, e.File, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
