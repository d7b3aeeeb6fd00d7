package realtime

import "testing"

type recordingPeer struct {
	events []string
	errors []string
}

func (p *recordingPeer) SendEvent(event string, payload any) {
	p.events = append(p.events, event)
}

func (p *recordingPeer) SendError(code, message string) {
	p.errors = append(p.errors, code)
}

func TestHubDeliversToRegisteredPeer(t *testing.T) {
	hub := NewHub()
	peer := &recordingPeer{}
	hub.Register(4, peer)

	hub.SendEventToUser(4, "session.created", nil)
	hub.SendErrorToUser(4, "queue_timeout", "expired")

	if len(peer.events) != 1 || peer.events[0] != "session.created" {
		t.Fatalf("events = %v", peer.events)
	}
	if len(peer.errors) != 1 || peer.errors[0] != "queue_timeout" {
		t.Fatalf("errors = %v", peer.errors)
	}
	if hub.ActiveConnections() != 1 {
		t.Fatalf("active = %d, want 1", hub.ActiveConnections())
	}
}

func TestHubDropsSilentlyForUnknownUser(t *testing.T) {
	hub := NewHub()
	//1.- Sending to an absent user must be a harmless no-op.
	hub.SendEventToUser(99, "session.state", nil)
	hub.SendErrorToUser(99, "queue_timeout", "expired")
}

func TestHubRegisterReplacesPriorPeer(t *testing.T) {
	hub := NewHub()
	old := &recordingPeer{}
	replacement := &recordingPeer{}

	hub.Register(7, old)
	hub.Register(7, replacement)
	hub.SendEventToUser(7, "auth_state", nil)

	if len(old.events) != 0 {
		t.Fatalf("old peer received %v", old.events)
	}
	if len(replacement.events) != 1 {
		t.Fatalf("replacement events = %v", replacement.events)
	}
}

func TestHubUnregisterRequiresMatchingPeer(t *testing.T) {
	hub := NewHub()
	old := &recordingPeer{}
	replacement := &recordingPeer{}
	hub.Register(7, old)
	hub.Register(7, replacement)

	//1.- The stale connection's teardown must not evict its replacement.
	hub.Unregister(7, old)
	if hub.ActiveConnections() != 1 {
		t.Fatalf("active = %d after stale unregister, want 1", hub.ActiveConnections())
	}

	//2.- The matching pointer removes the entry.
	hub.Unregister(7, replacement)
	if hub.ActiveConnections() != 0 {
		t.Fatalf("active = %d after matching unregister, want 0", hub.ActiveConnections())
	}
}
