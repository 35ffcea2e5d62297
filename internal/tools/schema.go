package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache maps the serialized parameter schema to its compiled form.
// Script tools re-register on every reload with usually identical schemas.
var schemaCache sync.Map

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %s: %w", name, err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema of %s: %w", name, err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArgs checks params against the tool's parameter schema. A tool
// without a schema accepts anything; a schema that does not compile is
// reported as the tool's fault, not the caller's.
func ValidateArgs(spec ToolSpec, params map[string]interface{}) error {
	schema, err := compileSchema(spec.Name(), spec.Parameters())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToolExecution, err)
	}
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
