package snapshot

import (
	"errors"
	"fmt"
)

// SerializationError reports snapshot data under Key that could not be
// decoded. Callers recover from it by starting with empty state.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decoding snapshot %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsSerializationError reports whether err (or anything it wraps) is a
// SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
