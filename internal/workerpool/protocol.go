package workerpool

import "encoding/json"

// routeParams/routeResult, titleParams/titleResult, and streamParams/
// streamResult are the worker pool's own minimal prompt vocabulary: it talks
// to its hot subprocess over the same rpc.Connection framing the full
// executor protocol uses, but with a narrower, pool-specific params shape
// instead of the full ACP PromptParams, since the pool bypasses the full
// session protocol entirely.
type routeParams struct {
	Text    string `json:"text"`
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type routeResult struct {
	SameSession bool `json:"sameSession"`
}

type titleParams struct {
	Cwd         string `json:"cwd"`
	UserMessage string `json:"userMessage"`
}

type titleResult struct {
	Title string `json:"title"`
}

type streamParams struct {
	Prompt string `json:"prompt"`
}

type streamResult struct {
	Chunks []StreamChunk `json:"chunks"`
}

func decodeResult(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}
