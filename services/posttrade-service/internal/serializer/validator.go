package serializer

import (
	"encoding/json"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
)

// Validator is the structural schema check applied to serialized payloads. Its verdict
// is advisory: a false result is logged, never returned.
type Validator interface {
	Validate(eventType string, data []byte, version int) bool
}

type NopValidator struct{}

func (NopValidator) Validate(string, []byte, int) bool { return true }

// FieldValidator checks that a payload is a JSON object carrying a fixed set of
// top-level keys per (eventType, version). Unknown schemas pass.
type FieldValidator struct {
	required map[contracts.SchemaRef][]string
}

func NewFieldValidator(required map[contracts.SchemaRef][]string) FieldValidator {
	return FieldValidator{required: required}
}

func (v FieldValidator) Validate(eventType string, data []byte, version int) bool {
	keys, ok := v.required[contracts.SchemaRef{EventType: eventType, Version: version}]
	if !ok {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}
