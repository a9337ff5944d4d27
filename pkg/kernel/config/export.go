package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaID is the $id of the exported fragment schema.
const SchemaID = "https://github.com/ormasoftchile/pipewright/schemas/config-v1.json"

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document describing
// a configuration fragment.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Fragment{})
	s.ID = SchemaID
	s.Title = "Pipewright configuration"
	s.Description = "Schema for pipewright.yaml fragments (Draft 2020-12)"
	if s.Definitions == nil {
		s.Definitions = jsonschema.Definitions{}
	}
	s.Definitions["Pipeline"] = pipelineSchema()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return data, nil
}

func pipelineSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "array",
		Description: "Stage and pipeline names, or an array of branch pipelines run in parallel",
		Items: &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Ref: "#/$defs/Pipeline"}},
			},
		},
	}
}

// JSONSchema implements the jsonschema custom schema hook.
func (Includes) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}

// JSONSchema implements the jsonschema custom schema hook.
func (PipelineMap) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		AdditionalProperties: &jsonschema.Schema{Ref: "#/$defs/Pipeline"},
	}
}

// JSONSchema implements the jsonschema custom schema hook.
func (StageMap) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("from", &jsonschema.Schema{Type: "string", Description: "Action reference <loader>[:<export>]"})
	props.Set("options", &jsonschema.Schema{Type: "object", Description: "Options passed to the action"})
	props.Set("initial", &jsonschema.Schema{Type: "boolean", Description: "Stage can start a pipeline"})
	props.Set("final", &jsonschema.Schema{Type: "boolean", Description: "Stage can end a pipeline"})

	return &jsonschema.Schema{
		Type: "object",
		AdditionalProperties: &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string", Description: "Alias of another stage"},
				{Type: "object", Properties: props, AdditionalProperties: jsonschema.FalseSchema},
			},
		},
	}
}
