package session

import "math"

// toolsDelegating, toolsPlanning, etc. are the tool-name classifications from
// the activity-derivation table. Kept as small sets rather than
// a single switch so new tool names can be added to a set in one place.
var (
	toolsDelegating = set("Task")
	toolsPlanning   = set("TodoWrite")
	toolsRunning    = set("Bash")
	toolsReading    = set("Read")
	toolsSearching  = set("Glob", "Grep", "WebSearch", "WebFetch")
	toolsEditing    = set("Write", "Edit", "NotebookEdit")
)

func set(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// ApproxTokens estimates tokens from streamed text length: 1 token per 4
// characters, rounded up.
func ApproxTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// DeriveActivity maps one outbound message to the activity it produces.
// kind is "text", "thought", "tool_call", or "tool_call_update"; for
// tool_call/tool_call_update, toolName/toolKind/status carry the
// classifying fields; text is the chunk text for text/thought messages.
func DeriveActivity(kind, text, toolName, toolKind, status string) (activity Activity, detail string, tokenDelta int, thinking bool) {
	switch kind {
	case "text":
		return ActivityResponding, "", ApproxTokens(text), false
	case "thought":
		return ActivityThinking, "", ApproxTokens(text), true
	case "tool_call":
		return classifyToolCall(toolName, toolKind)
	case "tool_call_update":
		if status == "completed" {
			return ActivityResponding, "", 0, false
		}
		return "", "", 0, false
	default:
		return "", "", 0, false
	}
}

func classifyToolCall(name, kind string) (Activity, string, int, bool) {
	if kind == "thinking" {
		return ActivityThinking, "", 0, false
	}
	if _, ok := toolsDelegating[name]; ok {
		return ActivityDelegating, "", 0, false
	}
	if _, ok := toolsPlanning[name]; ok || kind == "plan" {
		return ActivityPlanning, "", 0, false
	}
	if _, ok := toolsRunning[name]; ok {
		return ActivityRunning, "", 0, false
	}
	if _, ok := toolsReading[name]; ok {
		return ActivityReading, "", 0, false
	}
	if _, ok := toolsSearching[name]; ok {
		return ActivitySearching, "", 0, false
	}
	if _, ok := toolsEditing[name]; ok {
		return ActivityEditing, "", 0, false
	}
	return ActivityBrewing, name, 0, false
}
