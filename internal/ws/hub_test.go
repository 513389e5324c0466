package ws

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestClient(hub *Hub, topics []string) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: zap.NewNop(),
	}
}

func TestPublishDeliversOnlyToSubscribedTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	deviceID := uuid.Must(uuid.NewV7())
	topic := DeviceTopic(deviceID)
	subscribed := newTestClient(hub, []string{topic})
	other := newTestClient(hub, []string{"keyupdate:unrelated"})

	hub.Subscribe(subscribed)
	hub.Subscribe(other)

	waitForConnectedCount(t, hub, 2)

	groupKeyID, groupID := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	hub.PushKeyUpdate(deviceID, groupKeyID, groupID)

	select {
	case msg := <-subscribed.send:
		if msg.Type != MsgKeyUpdate || msg.Topic != topic {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscribed client to receive the push")
	}

	select {
	case msg := <-other.send:
		t.Fatalf("unrelated client should not receive the push, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesSendChannel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := newTestClient(hub, []string{"keyupdate:x"})
	hub.Subscribe(c)
	waitForConnectedCount(t, hub, 1)

	hub.Unsubscribe(c)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected send channel to close promptly")
	}
}

func waitForConnectedCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectedCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d connected clients, got %d", want, hub.ConnectedCount())
}
