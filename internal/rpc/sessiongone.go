package rpc

import "strings"

// sessionGoneSubstrings are the known error-message fragments that indicate
// the agent has lost track of a session. Kept as a single evolving list per
// the documented "session gone by substring" behavior, rather than replaced
// with a stricter error type the agent dialect doesn't actually provide.
var sessionGoneSubstrings = []string{
	"No conversation found",
	"Session not found",
}

// IsSessionGone reports whether err represents the agent having lost a
// session, either by a known message substring or by the JSON-RPC internal
// error code the agents in practice use for this condition.
func IsSessionGone(err error) bool {
	if err == nil {
		return false
	}
	if rpcErr, ok := err.(*Error); ok {
		if rpcErr.Code == InternalError {
			return true
		}
		return containsSessionGoneSubstring(rpcErr.Message)
	}
	return containsSessionGoneSubstring(err.Error())
}

func containsSessionGoneSubstring(msg string) bool {
	for _, s := range sessionGoneSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
