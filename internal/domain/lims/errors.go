package lims

import "errors"

// Rejected commands wrap one of these so callers can map them to feedback.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPrecondition      = errors.New("precondition failed")
	ErrDuplicate         = errors.New("already exists")
)

// ErrorKind names the class of err for metrics labels. Nil is "ok" and
// anything that is not a rejected command is "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	}
	return "internal"
}
