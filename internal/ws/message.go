// Package ws implements the pending-rotation push: a topic-based pub/sub
// hub over gorilla/websocket that nudges connected devices the instant a
// new key wrap lands for them. It is a liveness hint only — clients still
// must GET the authoritative list from keydist.PendingView; a missed or
// dropped push never loses data.
//
// Topic naming convention:
//
//	keyupdate:<device_id>  — a new PendingRotation row was inserted for this device
package ws

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgKeyUpdate is pushed when a PendingRotation row is inserted for the
	// subscribed device.
	MsgKeyUpdate MessageType = "key.update"

	// MsgPing keeps the connection alive; clients may ignore it.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"key.update","topic":"keyupdate:018f...","payload":{"group_key_id":"..."}}
type Message struct {
	Type MessageType `json:"type"`
	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`
	// Payload carries event-specific data:
	//   - key.update: {"group_key_id":"...","group_id":"..."}
	//   - ping:       {} (empty)
	Payload any `json:"payload"`
}
