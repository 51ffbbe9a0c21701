package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no plugin is registered under a name.
	ErrNotFound = errors.New("plugin not found")

	// ErrValidation is returned when a plugin manifest is malformed or the
	// inputs handed to it do not satisfy its declared contract.
	ErrValidation = errors.New("plugin validation failed")
)

// MissingInputsError is returned when required plugin inputs have neither a
// value nor a default. It matches ErrValidation.
type MissingInputsError struct {
	Plugin  string
	Missing []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("plugin %s: missing required inputs: %s", e.Plugin, strings.Join(e.Missing, ", "))
}

func (e *MissingInputsError) Unwrap() error { return ErrValidation }
