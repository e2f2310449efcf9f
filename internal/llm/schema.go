package llm

import (
	"sort"
	"strings"

	"google.golang.org/genai"

	"shellmind/internal/tools"
)

// FunctionDeclarations converts tool specs into Gemini function declarations.
func FunctionDeclarations(specs []tools.Spec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  toSchema(spec.Schema),
		})
	}
	return decls
}

func toSchema(s tools.ToolSchema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Properties))
	names := make([]string, 0, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = propertySchema(p)
		names = append(names, name)
	}
	sort.Strings(names)

	schema := &genai.Schema{
		Type:             genai.TypeObject,
		Properties:       props,
		PropertyOrdering: names,
	}
	if len(s.Required) > 0 {
		schema.Required = append([]string(nil), s.Required...)
	}
	return schema
}

func propertySchema(p tools.Property) *genai.Schema {
	out := &genai.Schema{
		Type:        schemaType(p.Type),
		Description: p.Description,
	}
	for _, v := range p.Enum {
		if s, ok := v.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}
	if out.Type == genai.TypeArray {
		itemType := genai.TypeString
		if p.Items != nil {
			itemType = schemaType(p.Items.Type)
		}
		out.Items = &genai.Schema{Type: itemType}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
