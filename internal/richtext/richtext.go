// Package richtext extracts plain text from the opaque block payloads stored
// as document content. The search index wants words, not markup; nothing here
// renders or styles anything.
package richtext

import (
	"encoding/json"
	"strings"
)

// ExtractText flattens a content payload into a single space-separated
// string. Unknown node shapes are walked structurally, so new block types
// keep working without changes here. Malformed payloads yield "".
func ExtractText(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return ""
	}

	var parts []string
	collect(doc["blocks"], &parts)
	return strings.Join(parts, " ")
}

func collect(node any, parts *[]string) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			collect(item, parts)
		}
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			trimmed := strings.TrimSpace(text)
			if trimmed != "" {
				*parts = append(*parts, trimmed)
			}
		}
		collect(v["content"], parts)
		collect(v["children"], parts)
	}
}
