package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conduit/internal/kernelerr"
	"github.com/haasonsaas/conduit/pkg/models"
)

//go:embed definition_schema.json
var definitionSchemaJSON []byte

var definitionSchema = mustCompileDefinitionSchema()

func mustCompileDefinitionSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("definition_schema.json", bytes.NewReader(definitionSchemaJSON)); err != nil {
		panic(fmt.Sprintf("workflow: add definition schema: %v", err))
	}
	return c.MustCompile("definition_schema.json")
}

// ValidateDefinition checks a definition against the schema plus the
// structural rules the schema cannot express (unique step names, forward-only
// references are checked at run time).
func ValidateDefinition(def *models.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	if err := definitionSchema.Validate(doc); err != nil {
		return schemaError(err)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	var fields []kernelerr.FieldError
	for i, step := range def.Steps {
		if _, dup := seen[step.Name]; dup {
			fields = append(fields, kernelerr.FieldError{
				Path:    fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			})
		}
		seen[step.Name] = struct{}{}
	}
	if len(fields) > 0 {
		return kernelerr.Validation("invalid workflow definition", fields...)
	}
	return nil
}

// schemaError flattens a jsonschema validation error into field errors.
func schemaError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return kernelerr.Validation("invalid workflow definition",
			kernelerr.FieldError{Path: "", Message: err.Error()})
	}
	var fields []kernelerr.FieldError
	for _, leaf := range leafErrors(ve) {
		fields = append(fields, kernelerr.FieldError{
			Path:    leaf.InstanceLocation,
			Message: leaf.Message,
		})
	}
	return kernelerr.Validation("invalid workflow definition", fields...)
}

func leafErrors(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		leaves = append(leaves, leafErrors(cause)...)
	}
	return leaves
}
