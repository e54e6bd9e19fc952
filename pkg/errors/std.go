package errors

import stderrors "errors"

// Is forwards to the standard library so callers importing this package need only one errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
