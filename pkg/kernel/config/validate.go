package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents one error or warning from the validation pipeline.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s at %s", e.Phase, e.Message, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
}

func errorf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "error",
	}
}

func warningf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: "warning",
	}
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Validate runs the 3-phase pipeline over one fragment document:
// structural (strict decode), semantic (JSON Schema) and domain (merge with
// the base configuration and normalize every pipeline). path locates the
// document for relative includes and may name a file that does not exist.
func Validate(data []byte, path string, opts LoadOptions) (*Fragment, []*ValidationError) {
	// Phase 1: Structural
	frag, err := DecodeFragment(bytes.NewReader(data))
	if err != nil {
		return nil, []*ValidationError{errorf("structural", "", "%s", err)}
	}

	// Phase 2: Semantic
	errs := validateSemantic(frag)
	if HasErrors(errs) {
		return frag, errs
	}

	// Phase 3: Domain
	errs = append(errs, validateDomain(frag, path, opts)...)
	return frag, errs
}

func validateSemantic(frag *Fragment) []*ValidationError {
	data, err := json.Marshal(frag)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "marshal for schema validation: %v", err)}
	}
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "generate schema: %v", err)}
	}

	schemaDoc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "unmarshal schema: %v", err)}
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(SchemaID, schemaDoc); err != nil {
		return []*ValidationError{errorf("semantic", "", "add schema resource: %v", err)}
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "compile schema: %v", err)}
	}

	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "unmarshal document: %v", err)}
	}
	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return []*ValidationError{errorf("semantic", "", "%s", err)}
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, errorf("semantic", strings.Join(cause.InstanceLocation, "."), "%v", cause.ErrorKind))
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateDomain(frag *Fragment, path string, opts LoadOptions) []*ValidationError {
	r := NewRegistry(opts.Actions)
	for _, m := range opts.Modules {
		r.RegisterModule(m)
	}
	if opts.Base != "" {
		if err := r.IncludeModule(opts.Base); err != nil {
			return []*ValidationError{errorf("domain", "include", "base configuration: %s", err)}
		}
	}
	if err := r.IncludeFragment(frag, path); err != nil {
		return []*ValidationError{errorf("domain", "", "%s", err)}
	}

	var errs []*ValidationError
	for _, name := range r.StageNames() {
		if target, ok := r.Alias(name); ok {
			if _, err := r.Stage(name); err != nil {
				errs = append(errs, warningf("domain", "stages."+name, "alias of %s does not resolve: %s", target, err))
			}
			continue
		}
		if st, err := r.Stage(name); err == nil && st.From == "" {
			errs = append(errs, warningf("domain", "stages."+name, "stage has no action (from) and will fail when run"))
		}
	}
	for _, name := range r.PipelineNames() {
		if _, err := r.Normalize(name); err != nil {
			errs = append(errs, errorf("domain", "pipelines."+name, "%s", err))
		}
	}
	return errs
}
