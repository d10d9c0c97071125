package convert

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

const (
	// toolCompressionTargetSize is the serialized size above which tool
	// definitions get compressed. Oversized tool payloads draw 500s
	// upstream.
	toolCompressionTargetSize = 20 * 1024

	// minToolDescriptionLength is the floor a compressed description
	// never shrinks below.
	minToolDescriptionLength = 50
)

// CompressToolsIfNeeded shrinks tool definitions when their combined
// serialized size exceeds the target. Schemas are simplified first;
// descriptions shrink proportionally only when that is not enough.
func CompressToolsIfNeeded(tools []kiro.Tool) []kiro.Tool {
	if len(tools) == 0 {
		return tools
	}

	originalSize := toolsSize(tools)
	if originalSize <= toolCompressionTargetSize {
		return tools
	}

	utils.Info("[ToolCompressor] Tools are %d bytes, target is %d, compressing", originalSize, toolCompressionTargetSize)

	compressed := make([]kiro.Tool, len(tools))
	for i := range tools {
		spec := tools[i].ToolSpecification
		var schema any
		if err := json.Unmarshal(spec.InputSchema.JSON, &schema); err == nil {
			spec.InputSchema = kiro.InputSchema{JSON: mustMarshal(simplifyInputSchema(schema))}
		}
		compressed[i] = kiro.Tool{ToolSpecification: spec}
	}

	sizeAfterSchema := toolsSize(compressed)
	utils.Debug("[ToolCompressor] Schema simplification left %d bytes (saved %d)", sizeAfterSchema, originalSize-sizeAfterSchema)

	if sizeAfterSchema <= toolCompressionTargetSize {
		return compressed
	}

	sizeToReduce := sizeAfterSchema - toolCompressionTargetSize
	totalDescLen := 0
	for i := range compressed {
		totalDescLen += len(compressed[i].ToolSpecification.Description)
	}

	if totalDescLen > 0 {
		keepRatio := 1.0 - float64(sizeToReduce)/float64(totalDescLen)
		if keepRatio < 0 {
			keepRatio = 0
		} else if keepRatio > 1 {
			keepRatio = 1
		}
		for i := range compressed {
			desc := compressed[i].ToolSpecification.Description
			compressed[i].ToolSpecification.Description = compressDescription(desc, int(float64(len(desc))*keepRatio))
		}
	}

	finalSize := toolsSize(compressed)
	utils.Info("[ToolCompressor] Compressed tools from %d to %d bytes (%.1f%% reduction)",
		originalSize, finalSize, float64(originalSize-finalSize)/float64(originalSize)*100)

	return compressed
}

func toolsSize(tools []kiro.Tool) int {
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return len(data)
}

// simplifyInputSchema keeps only the fields the model needs to call the
// tool correctly: type, enum, required, and the recursive structure under
// properties, items, additionalProperties, and the *Of combinators.
// Descriptions, defaults, examples and the like are dropped.
func simplifyInputSchema(schema any) any {
	obj, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	simplified := make(map[string]any)

	for _, key := range []string{"type", "enum", "required"} {
		if v, ok := obj[key]; ok {
			simplified[key] = v
		}
	}

	if props, ok := obj["properties"].(map[string]any); ok {
		simplifiedProps := make(map[string]any, len(props))
		for key, value := range props {
			simplifiedProps[key] = simplifyInputSchema(value)
		}
		simplified["properties"] = simplifiedProps
	}

	if items, ok := obj["items"]; ok {
		simplified["items"] = simplifyInputSchema(items)
	}

	if ap, ok := obj["additionalProperties"]; ok {
		simplified["additionalProperties"] = simplifyInputSchema(ap)
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := obj[key].([]any); ok {
			simplifiedArr := make([]any, len(arr))
			for i, item := range arr {
				simplifiedArr[i] = simplifyInputSchema(item)
			}
			simplified[key] = simplifiedArr
		}
	}

	return simplified
}

// compressDescription truncates a description to the target byte length
// on a rune boundary, appending "..." and never going below the minimum.
func compressDescription(description string, targetLength int) string {
	target := targetLength
	if target < minToolDescriptionLength {
		target = minToolDescriptionLength
	}
	if len(description) <= target {
		return description
	}

	truncLen := target - 3
	safeLen := 0
	for i, r := range description {
		if i >= truncLen {
			break
		}
		safeLen = i + utf8.RuneLen(r)
	}
	if safeLen == 0 {
		return truncateChars(description, minToolDescriptionLength)
	}
	return description[:safeLen] + "..."
}
