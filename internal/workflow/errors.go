package workflow

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/cihealer/internal/store"
)

// Error taxonomy surfaced to callers. Validation and Conflict errors leave
// state untouched; External errors have already been recorded on the entity.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = store.ErrConflict
	ErrNotFound   = store.ErrNotFound
	ErrExternal   = errors.New("external adapter failed")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func externalf(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %v", ErrExternal, fmt.Sprintf(format, args...), err)
}
