package conduit

import "encoding/json"

// ToolDescriptor is a tool reported by a child during discovery.
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ParseDiscoverResult tolerates the four response shapes a tools/list reply
// may take, tried in this order: an array directly at result, an object
// with a tools array, (last resort, when result is present but matches
// neither) the entire result wrapped as a single-element array, or — only
// when result is absent altogether — a top-level tools array next to the
// envelope. Unrecognised or empty shapes yield an empty list rather than an
// error; the caller installs the synthetic fallback tool in that case.
func ParseDiscoverResult(result json.RawMessage, rawMessage json.RawMessage) ([]ToolDescriptor, string) {
	if len(result) > 0 {
		// Shape 1: result is an array of tool descriptors.
		var asArray []ToolDescriptor
		if looksLikeArray(result) && json.Unmarshal(result, &asArray) == nil {
			return asArray, "result-array"
		}

		// Shape 2: result is an object with a tools array.
		var asObject struct {
			Tools []ToolDescriptor `json:"tools"`
		}
		if json.Unmarshal(result, &asObject) == nil && asObject.Tools != nil {
			return asObject.Tools, "result.tools"
		}

		// Shape 3 (last resort): no tools array found anywhere in result —
		// wrap the entire result as a single-element tool list.
		var single ToolDescriptor
		if json.Unmarshal(result, &single) == nil {
			return []ToolDescriptor{single}, "result-as-single-tool"
		}
		return nil, "none"
	}

	// Shape 4: result is absent; fall back to a top-level tools array.
	var topLevel struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if len(rawMessage) > 0 && json.Unmarshal(rawMessage, &topLevel) == nil && topLevel.Tools != nil {
		return topLevel.Tools, "top-level-tools"
	}

	return nil, "none"
}

func looksLikeArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
