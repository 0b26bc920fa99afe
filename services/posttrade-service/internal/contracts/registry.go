// Package contracts maps event types and schema versions to their wire contracts and
// walks stored contracts forward to the current version one step at a time.
package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

// Contract is the wire shape of a domain event at one schema version.
type Contract interface {
	EventType() string
	SchemaVersion() int
}

// Codec holds both directions of the domain/contract mapping for one version plus the
// decoder for its wire bytes.
type Codec struct {
	ToContract func(domain.Event) (Contract, error)
	ToDomain   func(Contract) (domain.Event, error)
	Decode     func([]byte) (Contract, error)
}

// ConvertFunc converts a contract to an adjacent schema version.
type ConvertFunc func(context.Context, Contract) (Contract, error)

type versionKey struct {
	eventType string
	version   int
}

type stepKey struct {
	eventType string
	from, to  int
}

// Registry is built once at process start, sealed, and then shared read-only. No
// locking is done: all registration must happen before Seal and before the registry is
// handed to concurrent readers.
type Registry struct {
	codecs     map[versionKey]Codec
	converters map[stepKey]ConvertFunc
	latest     map[string]int
	sealed     bool
}

func NewRegistry() *Registry {
	return &Registry{
		codecs:     make(map[versionKey]Codec),
		converters: make(map[stepKey]ConvertFunc),
		latest:     make(map[string]int),
	}
}

func (r *Registry) RegisterContract(eventType string, version int, c Codec) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if eventType == "" || version < 1 {
		return fmt.Errorf("%w: %q v%d", ErrUnsupportedSchemaVersion, eventType, version)
	}
	if c.ToContract == nil || c.ToDomain == nil || c.Decode == nil {
		return fmt.Errorf("codec for %s v%d is incomplete", eventType, version)
	}
	k := versionKey{eventType, version}
	if _, ok := r.codecs[k]; ok {
		return fmt.Errorf("%w: contract %s v%d", ErrDuplicateRegistration, eventType, version)
	}
	r.codecs[k] = c
	if version > r.latest[eventType] {
		r.latest[eventType] = version
	}
	return nil
}

// RegisterConverter stores a single-step converter. Only adjacent versions may be
// connected; longer paths are composed at read time.
func (r *Registry) RegisterConverter(eventType string, from, to int, fn ConvertFunc) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if fn == nil {
		return fmt.Errorf("converter for %s v%d -> v%d is nil", eventType, from, to)
	}
	if from < 1 || to < 1 || (to-from != 1 && from-to != 1) {
		return fmt.Errorf("converter for %s must connect adjacent versions (got v%d -> v%d)", eventType, from, to)
	}
	k := stepKey{eventType, from, to}
	if _, ok := r.converters[k]; ok {
		return fmt.Errorf("%w: converter %s v%d -> v%d", ErrDuplicateRegistration, eventType, from, to)
	}
	r.converters[k] = fn
	return nil
}

// Seal freezes the registry. Every version between 1 and latest must have a contract.
func (r *Registry) Seal() error {
	for eventType, latest := range r.latest {
		for v := 1; v <= latest; v++ {
			if _, ok := r.codecs[versionKey{eventType, v}]; !ok {
				return fmt.Errorf("%s is missing a contract for v%d", eventType, v)
			}
		}
	}
	r.sealed = true
	return nil
}

func (r *Registry) LatestVersion(eventType string) (int, error) {
	v, ok := r.latest[eventType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnregisteredEventType, eventType)
	}
	return v, nil
}

// EventTypes lists registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	out := make([]string, 0, len(r.latest))
	for t := range r.latest {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Codec(eventType string, version int) (Codec, error) {
	if _, err := r.LatestVersion(eventType); err != nil {
		return Codec{}, err
	}
	c, ok := r.codecs[versionKey{eventType, version}]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %s v%d", ErrUnsupportedSchemaVersion, eventType, version)
	}
	return c, nil
}

// ToContract converts a domain event into its contract at version.
func (r *Registry) ToContract(e domain.Event, version int) (Contract, error) {
	eventType := domain.TypeName(e)
	codec, err := r.Codec(eventType, version)
	if err != nil {
		return nil, err
	}
	c, err := codec.ToContract(e)
	if err != nil {
		return nil, fmt.Errorf("%s v%d to contract: %w", eventType, version, err)
	}
	if c.SchemaVersion() != version || c.EventType() != eventType {
		return nil, fmt.Errorf("%w: codec for %s v%d produced %s v%d", ErrUnsupportedSchemaVersion, eventType, version, c.EventType(), c.SchemaVersion())
	}
	return c, nil
}

// ToDomain converts a contract at any registered version into a domain event.
func (r *Registry) ToDomain(c Contract) (domain.Event, error) {
	codec, err := r.Codec(c.EventType(), c.SchemaVersion())
	if err != nil {
		return nil, err
	}
	return codec.ToDomain(c)
}

// Decode parses wire bytes into the contract registered at version.
func (r *Registry) Decode(eventType string, version int, data []byte) (Contract, error) {
	codec, err := r.Codec(eventType, version)
	if err != nil {
		return nil, err
	}
	return codec.Decode(data)
}

// UpgradeToLatest applies single-step converters until the contract reaches the latest
// registered version.
func (r *Registry) UpgradeToLatest(ctx context.Context, c Contract) (Contract, error) {
	latest, err := r.LatestVersion(c.EventType())
	if err != nil {
		return nil, err
	}
	return r.Convert(ctx, c, latest)
}

// Convert walks a contract up or down to target, one adjacent step at a time.
func (r *Registry) Convert(ctx context.Context, c Contract, target int) (Contract, error) {
	eventType := c.EventType()
	if _, err := r.Codec(eventType, target); err != nil {
		return nil, err
	}
	for c.SchemaVersion() != target {
		from := c.SchemaVersion()
		to := from + 1
		if target < from {
			to = from - 1
		}
		fn, ok := r.converters[stepKey{eventType, from, to}]
		if !ok {
			return nil, &NoConverterError{EventType: eventType, From: from, To: to}
		}
		next, err := fn(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("convert %s v%d -> v%d: %w", eventType, from, to, err)
		}
		if next.SchemaVersion() != to {
			return nil, fmt.Errorf("%w: converter %s v%d -> v%d returned v%d", ErrUnsupportedSchemaVersion, eventType, from, to, next.SchemaVersion())
		}
		c = next
	}
	return c, nil
}

// JSONCodec builds a Codec for a concrete contract type C that decodes with
// encoding/json.
func JSONCodec[C Contract](toContract func(domain.Event) (C, error), toDomain func(C) (domain.Event, error)) Codec {
	return Codec{
		ToContract: func(e domain.Event) (Contract, error) {
			return toContract(e)
		},
		ToDomain: func(c Contract) (domain.Event, error) {
			typed, ok := c.(C)
			if !ok {
				return nil, fmt.Errorf("%w: %s v%d has unexpected shape %T", ErrUnsupportedSchemaVersion, c.EventType(), c.SchemaVersion(), c)
			}
			return toDomain(typed)
		},
		Decode: func(data []byte) (Contract, error) {
			var c C
			if err := json.Unmarshal(data, &c); err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// SchemaRef names one registered (eventType, version) pair.
type SchemaRef struct {
	EventType string
	Version   int
}

func (s SchemaRef) String() string {
	return fmt.Sprintf("%s/v%d", s.EventType, s.Version)
}
