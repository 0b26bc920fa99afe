package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrUnregisteredEventType    = errors.New("unregistered event type")
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema version")
	ErrRegistrySealed           = errors.New("contract registry is sealed")
	ErrDuplicateRegistration    = errors.New("duplicate registration")
)

// NoConverterError reports a missing single-step converter in an upgrade or downgrade
// chain.
type NoConverterError struct {
	EventType string
	From      int
	To        int
}

func (e *NoConverterError) Error() string {
	return fmt.Sprintf("no converter registered for %s v%d -> v%d", e.EventType, e.From, e.To)
}
