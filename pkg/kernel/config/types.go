// Package config merges configuration fragments into a stage and pipeline
// registry and normalizes named pipelines into execution plans.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Reserved pipeline names consulted during normalization.
const (
	StartPipeline   = "start-default"
	EndPipeline     = "end-default"
	DefaultPipeline = "default"
)

// Fragment is one configuration document.
type Fragment struct {
	Include   Includes    `yaml:"include,omitempty" json:"include,omitempty" jsonschema:"description=Module ids or .yaml documents merged before this fragment"`
	Pipelines PipelineMap `yaml:"pipelines,omitempty" json:"pipelines,omitempty" jsonschema:"description=Named pipelines"`
	Stages    StageMap    `yaml:"stages,omitempty" json:"stages,omitempty" jsonschema:"description=Named stages or aliases"`
}

// Includes accepts either a single reference or a list of references.
type Includes []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (in *Includes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*in = Includes{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*in = list
		return nil
	}
	return fmt.Errorf("line %d: include must be a string or a list of strings", node.Line)
}

// PipelineMap maps pipeline names to raw definitions. Shapes are checked when
// the map is merged into a registry.
type PipelineMap map[string]any

// UnmarshalYAML implements yaml.Unmarshaler. Nested values decode as plain
// map[string]any and []any rather than as PipelineMap.
func (m *PipelineMap) UnmarshalYAML(node *yaml.Node) error {
	raw, err := decodePlain(node, "pipelines")
	*m = raw
	return err
}

// StageMap maps stage names to a string alias target or a stage object.
type StageMap map[string]any

// UnmarshalYAML implements yaml.Unmarshaler. Stage objects and their options
// decode as plain map[string]any rather than as StageMap.
func (m *StageMap) UnmarshalYAML(node *yaml.Node) error {
	raw, err := decodePlain(node, "stages")
	*m = raw
	return err
}

func decodePlain(node *yaml.Node, field string) (map[string]any, error) {
	if node.ShortTag() == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %s must be an object", node.Line, field)
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Stage is a concrete stage definition.
type Stage struct {
	Name    string         `json:"name"`
	From    string         `json:"from,omitempty"` // resolved action key
	Options map[string]any `json:"options,omitempty"`
	Initial bool           `json:"initial,omitempty"`
	Final   bool           `json:"final,omitempty"`
}

// Origin identifies where a fragment was read from.
type Origin struct {
	Module string // identity that relative action references resolve against
	Source string // document path reported in errors
}

// ActionResolver resolves a stage's action reference while it is merged.
// Resolve returns the canonical key the action is cached under, or an error
// when the reference does not load a callable.
type ActionResolver interface {
	Resolve(module, ref string) (string, error)
}
