/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"testing"
	"time"
)

func incomingEvent(roomName string, callType CallType, status CallStatus) *IncomingCallEvent {
	return &IncomingCallEvent{
		Call: CallRecord{
			RoomName:    roomName,
			BuyerEmail:  "b@x.com",
			VendorEmail: "v@x.com",
			Status:      status,
		},
		CallType:   callType,
		ReceivedAt: time.Now(),
	}
}

func TestPendingAdd(t *testing.T) {
	emitter := NewEventEmitter()
	added := 0
	emitter.On(string(ClientEventPendingAdded), func(interface{}) { added++ })
	pending := newPendingCalls(emitter, 0, 0)

	if !pending.add(incomingEvent("room-1", CallTypeVideo, StatusInitiated)) {
		t.Errorf("Expected first add to succeed")
	}
	if pending.add(incomingEvent("room-1", CallTypeVideo, StatusInitiated)) {
		t.Errorf("Expected duplicate room to be ignored")
	}
	if pending.add(incomingEvent("room-2", CallTypeVideo, StatusEnded)) {
		t.Errorf("Expected terminal call to be ignored")
	}

	if added != 1 {
		t.Errorf("Expected 1 pending_added event, got %d", added)
	}
	if got := len(pending.list()); got != 1 {
		t.Errorf("Expected 1 pending call, got %d", got)
	}
}

func TestPendingListOrder(t *testing.T) {
	pending := newPendingCalls(NewEventEmitter(), 0, 0)

	base := time.Now()
	for i, room := range []string{"room-c", "room-a", "room-b"} {
		ev := incomingEvent(room, CallTypeVideo, StatusInitiated)
		ev.ReceivedAt = base.Add(time.Duration(i) * time.Second)
		pending.add(ev)
	}

	list := pending.list()
	want := []string{"room-c", "room-a", "room-b"}
	for i, entry := range list {
		if entry.Record.RoomName != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], entry.Record.RoomName)
		}
	}
}

func TestPendingRemove(t *testing.T) {
	emitter := NewEventEmitter()
	removed := 0
	emitter.On(string(ClientEventPendingRemoved), func(interface{}) { removed++ })
	pending := newPendingCalls(emitter, 0, 0)

	pending.add(incomingEvent("room-1", CallTypeVideo, StatusInitiated))

	if !pending.remove("room-1") {
		t.Errorf("Expected remove to report presence")
	}
	if pending.remove("room-1") {
		t.Errorf("Expected second remove to report absence")
	}
	if removed != 1 {
		t.Errorf("Expected 1 pending_removed event, got %d", removed)
	}
}

func TestPendingReconcile(t *testing.T) {
	emitter := NewEventEmitter()
	var added, removed []string
	emitter.On(string(ClientEventPendingAdded), func(data interface{}) {
		added = append(added, data.(PendingCall).Record.RoomName)
	})
	emitter.On(string(ClientEventPendingRemoved), func(data interface{}) {
		removed = append(removed, data.(PendingCall).Record.RoomName)
	})
	pending := newPendingCalls(emitter, 0, 0)

	// Cached state: one video call the server still knows, one it no
	// longer lists (its terminal push was lost), and one voice call that
	// must be untouched by a video reconcile.
	pending.add(incomingEvent("room-kept", CallTypeVideo, StatusInitiated))
	pending.add(incomingEvent("room-stale", CallTypeVideo, StatusInitiated))
	pending.add(incomingEvent("room-voice", CallTypeVoice, StatusInitiated))
	added = nil

	pending.reconcile(CallTypeVideo, []CallRecord{
		{RoomName: "room-kept", BuyerEmail: "b@x.com", VendorEmail: "v@x.com", Status: StatusInitiated},
		{RoomName: "room-new", BuyerEmail: "b2@x.com", VendorEmail: "v@x.com", Status: StatusRinging},
		{RoomName: "room-done", BuyerEmail: "b3@x.com", VendorEmail: "v@x.com", Status: StatusEnded},
	})

	if len(added) != 1 || added[0] != "room-new" {
		t.Errorf("Expected room-new to be added, got %v", added)
	}
	if len(removed) != 1 || removed[0] != "room-stale" {
		t.Errorf("Expected room-stale to be dropped, got %v", removed)
	}

	rooms := map[string]bool{}
	for _, entry := range pending.list() {
		rooms[entry.Record.RoomName] = true
	}
	if !rooms["room-kept"] || !rooms["room-new"] || !rooms["room-voice"] {
		t.Errorf("Unexpected pending set: %v", rooms)
	}
	if rooms["room-stale"] || rooms["room-done"] {
		t.Errorf("Stale or terminal rooms survived reconcile: %v", rooms)
	}
}

func TestPendingRingTimeout(t *testing.T) {
	emitter := NewEventEmitter()
	removed := make(chan PendingCall, 1)
	emitter.On(string(ClientEventPendingRemoved), func(data interface{}) {
		removed <- data.(PendingCall)
	})
	pending := newPendingCalls(emitter, 30*time.Millisecond, 0)

	pending.add(incomingEvent("room-1", CallTypeVideo, StatusRinging))

	select {
	case entry := <-removed:
		if entry.Record.RoomName != "room-1" {
			t.Errorf("Expected room-1 to ring out, got %s", entry.Record.RoomName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected pending entry to ring out, still cached after 2s")
	}
	if got := len(pending.list()); got != 0 {
		t.Errorf("Expected empty pending list after ring-out, got %d entries", got)
	}
}

func TestPendingRemoveDisarmsRingTimeout(t *testing.T) {
	emitter := NewEventEmitter()
	removed := make(chan PendingCall, 2)
	emitter.On(string(ClientEventPendingRemoved), func(data interface{}) {
		removed <- data.(PendingCall)
	})
	pending := newPendingCalls(emitter, 20*time.Millisecond, 0)

	pending.add(incomingEvent("room-1", CallTypeVideo, StatusRinging))
	pending.remove("room-1")

	<-removed
	select {
	case <-time.After(80 * time.Millisecond):
	case <-removed:
		t.Errorf("Expected no second pending_removed event after explicit remove")
	}
}

func TestPendingReconcileGrace(t *testing.T) {
	emitter := NewEventEmitter()
	var removed []string
	emitter.On(string(ClientEventPendingRemoved), func(data interface{}) {
		removed = append(removed, data.(PendingCall).Record.RoomName)
	})
	pending := newPendingCalls(emitter, 0, time.Minute)

	// room-fresh was pushed after the server produced the poll response;
	// room-old predates the poll interval and really is stale.
	pending.add(incomingEvent("room-fresh", CallTypeVideo, StatusRinging))
	old := incomingEvent("room-old", CallTypeVideo, StatusRinging)
	old.ReceivedAt = time.Now().Add(-2 * time.Minute)
	pending.add(old)

	pending.reconcile(CallTypeVideo, nil)

	if len(removed) != 1 || removed[0] != "room-old" {
		t.Errorf("Expected only room-old to be dropped, got %v", removed)
	}
	if _, ok := pending.get("room-fresh"); !ok {
		t.Errorf("Expected room-fresh to survive the reconcile grace period")
	}
}
