package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool schema normalization. SanitizeForAntigravity is the stricter
// allowlist variant (used only when a backend demands it); CleanForGemini
// is the multi-phase pipeline used by default for all Gemini-family
// backends.

// CleanForGemini runs the multi-phase cleanup pipeline: convert
// $refs/enums/additionalProperties/constraints into description hints
// (Gemini's schema dialect has no room for them), merge allOf, flatten
// anyOf/oneOf by picking the most informative branch, flatten type arrays
// (nullable unions), strip unsupported keywords, and uppercase type names to
// Gemini's protobuf-style enum.
func CleanForGemini(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return emptyObjectSchema()
	}

	result := copyMap(schema)
	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = moveConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	unsupported := []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
	}
	for _, key := range unsupported {
		delete(result, key)
	}

	if schemaType, ok := result["type"].(string); ok && schemaType == "string" {
		if format, ok := result["format"].(string); ok {
			allowed := map[string]bool{"enum": true, "date-time": true}
			if !allowed[format] {
				delete(result, "format")
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = CleanForGemini(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}
	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = CleanForGemini(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, CleanForGemini(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	if required, ok := result["required"].([]interface{}); ok {
		if props, ok := result["properties"].(map[string]interface{}); ok {
			defined := make(map[string]bool, len(props))
			for key := range props {
				defined[key] = true
			}
			newRequired := make([]interface{}, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok && defined[propStr] {
					newRequired = append(newRequired, propStr)
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "OBJECT"
	}
	if result["type"] == "OBJECT" {
		if props, ok := result["properties"].(map[string]interface{}); !ok || len(props) == 0 {
			result["properties"] = map[string]interface{}{}
		}
	}

	return result
}

// SanitizeForAntigravity applies the stricter allowlist pipeline, permitting
// only type/description/properties/required/items/enum/title. const is
// rewritten to a single-value enum.
func SanitizeForAntigravity(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return emptyObjectSchema()
	}
	allowed := map[string]bool{
		"type": true, "description": true, "properties": true,
		"required": true, "items": true, "enum": true, "title": true,
	}
	out := make(map[string]interface{})
	for key, value := range schema {
		if key == "const" {
			out["enum"] = []interface{}{value}
			continue
		}
		if !allowed[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				newProps := make(map[string]interface{})
				for pk, pv := range props {
					if pm, ok := pv.(map[string]interface{}); ok {
						newProps[pk] = SanitizeForAntigravity(pm)
					} else {
						newProps[pk] = pv
					}
				}
				out["properties"] = newProps
			}
		case "items":
			if itemsMap, ok := value.(map[string]interface{}); ok {
				out["items"] = SanitizeForAntigravity(itemsMap)
			} else {
				out["items"] = value
			}
		default:
			out[key] = value
		}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if props, ok := out["properties"].(map[string]interface{}); !ok || len(props) == 0 {
			out["properties"] = map[string]interface{}{}
		}
	}
	return out
}

// SchemaFallbackTools names tools whose upstream declarations ship with no
// parameters but whose backends reject an empty object schema; only these
// get the synthesized single-query fallback, everything else keeps an
// honest empty object.
var SchemaFallbackTools = map[string]bool{
	"search":        true,
	"web_search":    true,
	"google_search": true,
	"grep_search":   true,
	"retrieval":     true,
}

// EnsureToolSchema returns the schema a tool declaration should ship with:
// the declared schema when present, the synthesized query fallback for the
// tool names known to require one, and a bare empty-object schema otherwise.
func EnsureToolSchema(name string, schema map[string]interface{}) map[string]interface{} {
	if len(schema) != 0 {
		return schema
	}
	if SchemaFallbackTools[name] {
		return fallbackQuerySchema()
	}
	return emptyObjectSchema()
}

func fallbackQuerySchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"query"},
	}
}

func emptyObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// ValidateToolInput checks a tool-call argument payload against its
// declared (pre-cleaning) schema using santhosh-tekuri/jsonschema/v6. This
// runs before the sanitizer ever ships the call onward, catching a backend
// that hallucinated arguments outside the tool's declared shape.
func ValidateToolInput(toolSchema map[string]interface{}, args map[string]interface{}) error {
	if len(toolSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(toolSchema)
	if err != nil {
		return fmt.Errorf("marshal tool schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode tool schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://tool-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("add tool schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	argsRaw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal tool args: %w", err)
	}
	argsDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(argsRaw))
	if err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}
	if err := compiled.Validate(argsDoc); err != nil {
		return fmt.Errorf("tool input failed schema validation: %w", err)
	}
	return nil
}

// NormalizedSchemaDigest renders a stable, human-scannable one-line summary
// of a schema's shape, used in structured log fields when a tool call is
// rejected by ValidateToolInput so an operator need not dump the full schema.
func NormalizedSchemaDigest(schema map[string]interface{}) string {
	if len(schema) == 0 {
		return "<empty>"
	}
	t, _ := schema["type"].(string)
	var propNames []string
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for k := range props {
			propNames = append(propNames, k)
		}
	}
	return fmt.Sprintf("type=%s properties=[%s]", t, strings.Join(propNames, ","))
}
