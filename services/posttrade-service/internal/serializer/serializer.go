// Package serializer turns domain events into versioned wire payloads plus a metadata
// blob, and reads stored payloads back at the current contract version.
package serializer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

// Metadata is stored next to every payload. The key names are part of the storage
// format and must not change.
type Metadata struct {
	SchemaVersion string    `json:"SchemaVersion"`
	SchemaID      string    `json:"SchemaId"`
	EventSource   string    `json:"EventSource"`
	CreatedBy     string    `json:"CreatedBy"`
	CorrelationID string    `json:"CorrelationId,omitempty"`
	SerializedAt  time.Time `json:"SerializedAt"`
}

type Serialized struct {
	EventType     string
	SchemaVersion int
	Data          []byte
	Metadata      []byte
}

// Stored is the subset of a persisted event row needed to read it back.
type Stored struct {
	EventID   string
	EventType string
	Data      []byte
	Metadata  []byte
	CreatedAt time.Time
}

type Config struct {
	// EventSource and CreatedBy are stamped into every metadata blob.
	EventSource string
	CreatedBy   string
	// LegacyCutover, when set, lets rows created before it with no usable schema
	// version be read as v1.
	LegacyCutover time.Time
}

type Serializer struct {
	reg       *contracts.Registry
	validator Validator
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

func New(reg *contracts.Registry, validator Validator, cfg Config, log *slog.Logger) *Serializer {
	if validator == nil {
		validator = NopValidator{}
	}
	return &Serializer{reg: reg, validator: validator, cfg: cfg, log: log, now: time.Now}
}

// Serialize encodes e at targetVersion, or at the latest registered version when
// targetVersion is 0.
func (s *Serializer) Serialize(e domain.Event, targetVersion int) (Serialized, error) {
	eventType := domain.TypeName(e)
	version := targetVersion
	if version == 0 {
		latest, err := s.reg.LatestVersion(eventType)
		if err != nil {
			return Serialized{}, err
		}
		version = latest
	}
	c, err := s.reg.ToContract(e, version)
	if err != nil {
		return Serialized{}, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Serialized{}, fmt.Errorf("marshal %s v%d: %w", eventType, version, err)
	}

	h := e.Header()
	if !s.validator.Validate(eventType, data, version) {
		s.log.Warn("event payload failed schema validation",
			"event_id", h.EventID,
			"event_type", eventType,
			"schema_version", version,
		)
	}

	meta, err := json.Marshal(Metadata{
		SchemaVersion: strconv.Itoa(version),
		SchemaID:      contracts.SchemaRef{EventType: eventType, Version: version}.String(),
		EventSource:   s.cfg.EventSource,
		CreatedBy:     s.cfg.CreatedBy,
		CorrelationID: h.CorrelationID,
		SerializedAt:  s.now().UTC(),
	})
	if err != nil {
		return Serialized{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return Serialized{EventType: eventType, SchemaVersion: version, Data: data, Metadata: meta}, nil
}

// Deserialize reads a stored payload at the schema version recorded in its metadata and
// upgrades it to the latest contract before mapping it to a domain event.
func (s *Serializer) Deserialize(ctx context.Context, rec Stored) (domain.Event, error) {
	version, err := s.ResolveVersion(rec)
	if err != nil {
		return nil, err
	}
	fail := func(err error) error {
		return &DeserializationError{EventType: rec.EventType, Version: version, Err: err}
	}
	c, err := s.reg.Decode(rec.EventType, version, rec.Data)
	if err != nil {
		return nil, fail(err)
	}
	c, err = s.reg.UpgradeToLatest(ctx, c)
	if err != nil {
		return nil, fail(err)
	}
	ev, err := s.reg.ToDomain(c)
	if err != nil {
		return nil, fail(err)
	}
	return ev, nil
}

// ResolveVersion returns the schema version recorded in the row metadata. Metadata that
// is not a JSON object is ErrMalformedMetadata; a missing or invalid version is
// ErrUnresolvableSchemaVersion unless the row predates the legacy cutover.
func (s *Serializer) ResolveVersion(rec Stored) (int, error) {
	var meta Metadata
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(meta.SchemaVersion))
	if err == nil && v >= 1 {
		return v, nil
	}
	if !s.cfg.LegacyCutover.IsZero() && rec.CreatedAt.Before(s.cfg.LegacyCutover) {
		s.log.Warn("schema version missing, reading legacy row as v1",
			"event_id", rec.EventID,
			"event_type", rec.EventType,
			"schema_version", meta.SchemaVersion,
		)
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnresolvableSchemaVersion, meta.SchemaVersion)
}
