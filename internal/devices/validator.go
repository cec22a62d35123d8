package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/descriptor-v1.json
var descriptorSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("descriptor-v1.json",
		strings.NewReader(descriptorSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("descriptor-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDocument checks a raw JSON descriptor document against the schema.
func (v *Validator) ValidateDocument(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateDescriptor runs the schema and the structural invariants.
func (v *Validator) ValidateDescriptor(d types.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	if err := v.ValidateDocument(data); err != nil {
		return err
	}

	return d.Validate()
}

// DecodeDescriptor validates data and decodes it. Absent brightness and
// sector fields keep the discovery defaults.
func (v *Validator) DecodeDescriptor(data []byte) (types.Descriptor, error) {
	if err := v.ValidateDocument(data); err != nil {
		return types.Descriptor{}, err
	}

	d := types.Descriptor{
		BrightnessScale: types.DefaultBrightness,
		TargetSector:    types.UnassignedSector,
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return types.Descriptor{}, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	return d, d.Validate()
}
