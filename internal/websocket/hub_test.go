package websocket

import (
	"testing"
)

func newTestClient(hub *Hub, id, room string, buffer int) *Client {
	return &Client{
		ID:   id,
		Room: room,
		Send: make(chan *Message, buffer),
		Hub:  hub,
	}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-1", RoomJobs, 1)

	hub.registerClient(client)
	if hub.GetRoomSize(RoomJobs) != 1 {
		t.Fatalf("expected room size 1")
	}

	hub.unregisterClient(client)
	if hub.GetRoomSize(RoomJobs) != 0 {
		t.Fatalf("expected room to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected send channel to be closed")
	}

	// A second unregister must not close the channel again
	hub.unregisterClient(client)
}

func TestHubPublishReachesRoomOnly(t *testing.T) {
	hub := NewHub()
	jobs := newTestClient(hub, "client-1", RoomJobs, 1)
	other := newTestClient(hub, "client-2", "other", 1)
	hub.registerClient(jobs)
	hub.registerClient(other)

	hub.Publish(RoomJobs, "job_progress", map[string]int{"bytes_sent": 42})
	hub.broadcastToRoom(<-hub.broadcast)

	select {
	case received := <-jobs.Send:
		if received.Type != "job_progress" || received.Timestamp.IsZero() {
			t.Fatalf("unexpected message %+v", received)
		}
	default:
		t.Fatalf("expected message to be delivered")
	}
	select {
	case received := <-other.Send:
		t.Fatalf("message leaked to another room: %+v", received)
	default:
	}
}

func TestHubDropsWhenClientIsFull(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-1", RoomJobs, 1)
	hub.registerClient(client)

	hub.broadcastToRoom(&BroadcastMessage{Room: RoomJobs, Message: &Message{Type: "first"}})
	hub.broadcastToRoom(&BroadcastMessage{Room: RoomJobs, Message: &Message{Type: "second"}})

	if received := <-client.Send; received.Type != "first" {
		t.Fatalf("expected the buffered message to survive, got %s", received.Type)
	}
}
