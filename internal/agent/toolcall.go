package agent

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolKind enumerates the structured, auditable file operations the AI
// provider may request instead of direct filesystem access.
type ToolKind string

const (
	ToolReadSnippet   ToolKind = "read_snippet"
	ToolWriteSnippet  ToolKind = "write_snippet"
	ToolDeleteSnippet ToolKind = "delete_snippet"
	ToolListSnippets  ToolKind = "list_snippets"
	ToolReadConfig    ToolKind = "read_config"
	ToolWriteConfig   ToolKind = "write_config"
)

// ToolCall is one planned operation. Write and delete kinds carry an
// implicit backup-then-apply-then-reload obligation.
type ToolCall struct {
	ID     string                 `json:"id"`
	Kind   ToolKind               `json:"kind"`
	Args   map[string]interface{} `json:"args"`
	Result string                 `json:"result,omitempty"`
	Err    string                 `json:"error,omitempty"`
}

// Mutates reports whether the call rewrites the config directory.
func (c ToolCall) Mutates() bool {
	switch c.Kind {
	case ToolWriteSnippet, ToolDeleteSnippet, ToolWriteConfig:
		return true
	}
	return false
}

// Argument schemas, one per kind. Compiled once at init; a plan whose
// arguments do not validate is rejected before anything executes.
var argSchemas = map[ToolKind]*jsonschema.Schema{}

func init() {
	sources := map[ToolKind]string{
		ToolReadSnippet: `{
			"type": "object",
			"properties": {"path": {"type": "string", "minLength": 1}},
			"required": ["path"],
			"additionalProperties": false
		}`,
		ToolWriteSnippet: `{
			"type": "object",
			"properties": {
				"path":   {"type": "string", "minLength": 1},
				"source": {"type": "string"}
			},
			"required": ["path", "source"],
			"additionalProperties": false
		}`,
		ToolDeleteSnippet: `{
			"type": "object",
			"properties": {"path": {"type": "string", "minLength": 1}},
			"required": ["path"],
			"additionalProperties": false
		}`,
		ToolListSnippets: `{
			"type": "object",
			"additionalProperties": false
		}`,
		ToolReadConfig: `{
			"type": "object",
			"additionalProperties": false
		}`,
		ToolWriteConfig: `{
			"type": "object",
			"properties": {"source": {"type": "string"}},
			"required": ["source"],
			"additionalProperties": false
		}`,
	}
	for kind, src := range sources {
		sch, err := jsonschema.CompileString(string(kind)+".json", src)
		if err != nil {
			panic(fmt.Sprintf("invalid tool schema %s: %v", kind, err))
		}
		argSchemas[kind] = sch
	}
}

// ParsePlan decodes the provider's planning response: a JSON array of
// {kind, args} objects. Every call gets a fresh id and validated arguments.
func ParsePlan(raw string) ([]ToolCall, error) {
	var decoded []struct {
		Kind ToolKind               `json:"kind"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("plan is not a JSON tool-call array: %w", err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("plan contains no tool calls")
	}

	plan := make([]ToolCall, 0, len(decoded))
	for i, step := range decoded {
		call := ToolCall{ID: uuid.NewString(), Kind: step.Kind, Args: step.Args}
		if call.Args == nil {
			call.Args = map[string]interface{}{}
		}
		if err := ValidateCall(call); err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i+1, err)
		}
		plan = append(plan, call)
	}
	return plan, nil
}

// ValidateCall checks the kind and validates arguments against its schema.
func ValidateCall(call ToolCall) error {
	sch, ok := argSchemas[call.Kind]
	if !ok {
		return fmt.Errorf("unknown tool kind: %q", call.Kind)
	}
	// The validator wants plain decoded JSON; Args already is.
	var args interface{} = call.Args
	if err := sch.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", call.Kind, err)
	}
	return nil
}

func stringArg(call ToolCall, key string) string {
	v, _ := call.Args[key].(string)
	return v
}
