package daemon

import "github.com/kandev/agentsd/internal/rpc"

// contentFromText assembles a prompt content array from plain text plus
// image and file paths, in the order the agent protocol expects: text block
// first, then one block per attachment.
func contentFromText(text string, images, files []string) []rpc.ContentBlock {
	content := make([]rpc.ContentBlock, 0, 1+len(images)+len(files))
	if text != "" {
		content = append(content, rpc.ContentBlock{Type: "text", Text: text})
	}
	for _, path := range images {
		content = append(content, rpc.ContentBlock{Type: "image", Path: path})
	}
	for _, path := range files {
		content = append(content, rpc.ContentBlock{Type: "file", Path: path})
	}
	return content
}

type sessionInfoPayload struct {
	SessionID    string `json:"sessionId"`
	ExecutorKind string `json:"executorKind"`
	ProjectPath  string `json:"projectPath"`
}

type turnStartPayload struct {
	SessionID string `json:"sessionId"`
}

type turnEndPayload struct {
	Status     string `json:"status"`
	StopReason string `json:"stopReason"`
	Detail     string `json:"detail,omitempty"`
}

type turnActivityPayload struct {
	Activity           string `json:"activity"`
	Detail             string `json:"detail,omitempty"`
	ApproxTokens       int    `json:"approxTokens"`
	ThinkingDurationMs int64  `json:"thinkingDurationMs"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type sessionReplacedPayload struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

type queuedPayload struct {
	QueueID string `json:"queueId"`
	Text    string `json:"text"`
}

type queueDrainPayload struct {
	SessionID string `json:"sessionId"`
}

type queueCancelledPayload struct {
	SessionID string `json:"sessionId"`
}

type sessionTitleUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type kanbanStateChangedPayload struct {
	Reason string `json:"reason"`
}

type sessionSummary struct {
	SessionID    string          `json:"sessionId"`
	ExecutorKind string          `json:"executorKind"`
	ProjectPath  string          `json:"projectPath"`
	Title        string          `json:"title,omitempty"`
	Live         bool            `json:"live"`
	Turn         *turnSummary    `json:"turn,omitempty"`
}

type turnSummary struct {
	Status             string `json:"status"`
	Activity           string `json:"activity,omitempty"`
	ActivityDetail     string `json:"activityDetail,omitempty"`
	ApproxTokens       int    `json:"approxTokens"`
	ThinkingDurationMs int64  `json:"thinkingDurationMs"`
}

type sessionsPayload struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type renameParams struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

type subagentHistoryParams struct {
	SessionID  string `json:"sessionId"`
	SubagentID string `json:"subagentId"`
}

type availableCommandsParams struct {
	SessionID string `json:"sessionId"`
	Hint      string `json:"hint,omitempty"`
}

type executorsEventPayload struct {
	Kind      string `json:"kind"`
	EventType string `json:"eventType"`
}

type poolChunkPayload struct {
	Text string `json:"text"`
}

type poolPromptEndPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}
