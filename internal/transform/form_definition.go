package transform

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
)

// formDefinitionSchema is the minimal shape a server form must have to be cached offline.
// Optional fields may be null and fall back to empty defaults.
const formDefinitionSchema = `{
	"type": "object",
	"required": ["_id", "components"],
	"properties": {
		"_id": {"type": "string", "minLength": 1},
		"title": {"type": ["string", "null"]},
		"name": {"type": ["string", "null"]},
		"path": {"type": ["string", "null"]},
		"components": {"type": "array", "items": {"type": "object"}},
		"access": {"type": ["array", "null"]},
		"submissionAccess": {"type": ["array", "null"]}
	}
}`

var (
	definitionSchemaOnce sync.Once
	definitionSchema     *jsonschema.Resolved
	definitionSchemaErr  error
)

func resolvedDefinitionSchema() (*jsonschema.Resolved, error) {
	definitionSchemaOnce.Do(func() {
		var schema jsonschema.Schema
		if err := json.Unmarshal([]byte(formDefinitionSchema), &schema); err != nil {
			definitionSchemaErr = err
			return
		}
		definitionSchema, definitionSchemaErr = schema.Resolve(&jsonschema.ResolveOptions{})
	})
	return definitionSchema, definitionSchemaErr
}

// TransformFormDefinitionData maps a server form into a cacheable definition.
// It returns nil when _id is missing or components is not an array of objects.
func TransformFormDefinitionData(raw map[string]any) *formsync.FormDefinition {
	if raw == nil {
		return nil
	}

	// Round trip so that the validator sees plain JSON values regardless of how raw was built.
	b, err := json.Marshal(raw)
	if err != nil {
		zap.S().Warnw("transform: form definition not serializable", "err", err)
		return nil
	}
	var normalized map[string]any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return nil
	}

	resolved, err := resolvedDefinitionSchema()
	if err != nil {
		zap.S().Errorw("transform: form definition schema unusable", "err", err)
		return nil
	}
	if err := resolved.Validate(normalized); err != nil {
		zap.S().Warnw("transform: rejecting form definition", "id", String(normalized, "_id", ""), "err", err)
		return nil
	}

	return &formsync.FormDefinition{
		ID:               String(normalized, "_id", ""),
		Title:            String(normalized, "title", String(normalized, "name", "")),
		Name:             String(normalized, "name", ""),
		Path:             String(normalized, "path", ""),
		Components:       Objects(normalized, "components"),
		Access:           AccessRules(normalized, "access"),
		SubmissionAccess: AccessRules(normalized, "submissionAccess"),
		Fetched:          time.Now().UTC(),
	}
}
