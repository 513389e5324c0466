package ws

import "github.com/google/uuid"

// DeviceTopic returns the pub/sub topic a device's websocket connection
// subscribes to.
func DeviceTopic(deviceID uuid.UUID) string {
	return "keyupdate:" + deviceID.String()
}

// PushKeyUpdate publishes a liveness hint to a device the instant a new
// PendingRotation row is inserted for it, mirroring the
// persist-then-publish order the rest of the system uses for side-channel
// notifications. The device must still GET the authoritative pending list;
// a missed push never loses data.
func (h *Hub) PushKeyUpdate(deviceID, groupKeyID, groupID uuid.UUID) {
	h.Publish(DeviceTopic(deviceID), Message{
		Type:  MsgKeyUpdate,
		Topic: DeviceTopic(deviceID),
		Payload: map[string]any{
			"group_key_id": groupKeyID.String(),
			"group_id":     groupID.String(),
		},
	})
}
