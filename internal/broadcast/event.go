// Package broadcast implements the hub transport attaches to: client
// register/unregister, per-session event fan-out, and the protocol debug
// tap.
package broadcast

import "encoding/json"

// Event is the tagged envelope every broadcast event uses. SessionID is
// empty for app-wide events (e.g. `sessions`, `kanban_state_changed`).
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// MarshalForWire renders the event as the JSON the transport forwards to
// clients verbatim.
func (e Event) MarshalForWire() ([]byte, error) {
	return json.Marshal(e)
}

// Sink is the event-sink indirection: internal components never call
// clients directly, they call the daemon's broadcast method, which
// eventually invokes the installed Sink. It must be synchronous and
// non-blocking-by-contract — a sink that wants async delivery enqueues
// internally and returns.
type Sink func(Event)
