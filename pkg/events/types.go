// Package events delivers task and mesh lifecycle updates to WebSocket
// subscribers in real time.
//
// Two fixed channels exist:
//
//	tasks: queue lifecycle (task_submitted, task_assigned, task_completed,
//	       task_failed, task_reclaimed, task_escalated, credit_applied)
//	mesh:  gossip lifecycle (peer joined/evicted, blacklist propagation,
//	       capability changes)
//
// With Postgres configured, every event is stored in the events table and
// broadcast through pg_notify in the same transaction, so each coordinator
// pod's listener relays it to the pod's local WebSocket connections and a
// reconnecting client can catch up by its last-seen event id. Without
// Postgres, events flow through an in-process ring that serves the same
// catchup contract for a single pod.
//
// Client protocol (JSON text frames):
//
//	{"action":"subscribe","channel":"tasks","last_event_id":42}
//	{"action":"unsubscribe","channel":"tasks"}
//	{"action":"catchup","channel":"mesh","last_event_id":7}
//	{"action":"ping"}
//
// Server frames carry a "type" field: connection.established,
// subscription.confirmed, catchup.overflow, pong, error, or an event
// envelope with its db_event_id for catchup tracking.
package events

// Feed channels. Anything else is rejected at subscribe time.
const (
	ChannelTasks = "tasks"
	ChannelMesh  = "mesh"
)

// ValidChannel reports whether ch names one of the feed channels.
func ValidChannel(ch string) bool {
	return ch == ChannelTasks || ch == ChannelMesh
}

// Event is the wire envelope delivered to feed subscribers. The publisher
// adds db_event_id to the broadcast copy; stored rows gain it at catchup
// time from the row id.
type Event struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"ts"`
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // "tasks" or "mesh"
	LastEventID *int   `json:"last_event_id,omitempty"` // For catchup
}
