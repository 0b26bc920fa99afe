package serializer

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMetadata         = errors.New("malformed event metadata")
	ErrUnresolvableSchemaVersion = errors.New("unresolvable schema version")
)

// DeserializationError wraps any failure decoding, upgrading or mapping a stored
// payload that had valid metadata.
type DeserializationError struct {
	EventType string
	Version   int
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %s v%d: %v", e.EventType, e.Version, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
