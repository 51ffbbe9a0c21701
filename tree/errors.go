package tree

import "errors"

// Sentinel errors for pipeline compilation. Callers match them with errors.Is;
// the wrapping message carries the offending name or field.
var (
	ErrInvalidPath       = errors.New("invalid node path")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrValidation        = errors.New("pipeline validation failed")
	ErrDuplicate         = errors.New("duplicate name")
)
