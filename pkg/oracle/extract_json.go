package oracle

import "strings"

// extractJSON strips markdown code fences and surrounding prose from a model
// response, returning the JSON payload. Models wrap JSON in ```json blocks
// often enough that parsing the raw text directly is not reliable.
func extractJSON(text string) []byte {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)

	// Fall back to the outermost bracket pair when the model added prose.
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		objStart := strings.IndexAny(text, "{[")
		if objStart >= 0 {
			closer := byte('}')
			if text[objStart] == '[' {
				closer = ']'
			}
			if end := strings.LastIndexByte(text, closer); end > objStart {
				text = text[objStart : end+1]
			}
		}
	}
	return []byte(text)
}
