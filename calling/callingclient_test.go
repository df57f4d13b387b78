/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
	"github.com/Victor-Maverick/bdic-calls-go/signaling"
)

// testBus is a minimal message bus for exercising Start's subscriptions.
type testBus struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	subscribed map[string]bool
	subCh      chan string
}

type testBusFrame struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	bus := &testBus{
		subscribed: make(map[string]bool),
		subCh:      make(chan string, 32),
	}
	bus.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := bus.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f testBusFrame
			if err := json.Unmarshal(message, &f); err != nil {
				continue
			}
			switch f.Type {
			case "CONNECT":
				reply, _ := json.Marshal(testBusFrame{ID: f.ID, Type: "CONNECTED"})
				conn.WriteMessage(websocket.TextMessage, reply)
			case "SUBSCRIBE":
				bus.mu.Lock()
				bus.subscribed[f.Destination] = true
				bus.mu.Unlock()
				bus.subCh <- f.Destination
			}
		}
	}))
	t.Cleanup(bus.server.Close)
	return bus
}

func newTestCallingClient(t *testing.T, controlHandler http.HandlerFunc, config *Config) *CallingClient {
	t.Helper()

	control := httptest.NewServer(controlHandler)
	t.Cleanup(control.Close)

	core, err := callsdk.NewClient("test-token", &callsdk.Config{
		BaseURL:   control.URL,
		UserEmail: "vendor@x.com",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config == nil {
		config = DefaultConfig()
	}
	return New(core, nil, config)
}

func TestStartSubscribesUserTopics(t *testing.T) {
	bus := newTestBus(t)
	control := httptest.NewServer(okRecordHandler(StatusInitiated))
	t.Cleanup(control.Close)

	core, err := callsdk.NewClient("test-token", &callsdk.Config{
		BaseURL:      control.URL,
		SignalingURL: "ws" + strings.TrimPrefix(bus.server.URL, "http"),
		UserEmail:    "vendor@x.com",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	transport := signaling.New(core, nil)
	t.Cleanup(func() { transport.Close() })
	if err := transport.Connect(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	client := New(core, transport, DefaultConfig())
	t.Cleanup(client.Stop)
	if err := client.Start(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []string{
		"/user/vendor@x.com/queue/incoming-call",
		"/user/vendor@x.com/queue/call-status",
		"/user/vendor@x.com/queue/incoming-voice-call",
		"/user/vendor@x.com/queue/voice-call-status",
		"/user/queue/webrtc-signal",
	}
	deadline := time.After(3 * time.Second)
	for len(want) > 0 {
		select {
		case d := <-bus.subCh:
			for i, w := range want {
				if w == d {
					want = append(want[:i], want[i+1:]...)
					break
				}
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for subscriptions, still missing %v", want)
		}
	}
}

func TestPlaceCallOccupiesSlot(t *testing.T) {
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CallRecord{
			RoomName:    "room-1",
			BuyerEmail:  "buyer@x.com",
			VendorEmail: "vendor@x.com",
			Status:      StatusInitiated,
		})
	}, nil)

	call, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail:  "buyer@x.com",
		VendorEmail: "vendor@x.com",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if call.Status() != StatusInitiated {
		t.Errorf("Expected INITIATED, got %s", call.Status())
	}
	if !call.IsInitiator() {
		t.Errorf("Expected the placed call to be initiator-side")
	}
	if client.CurrentCall() != call {
		t.Errorf("Expected the call to occupy the current-call slot")
	}

	// A second call while the first is live is refused.
	_, err = client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail:  "vendor@x.com",
		VendorEmail: "other@x.com",
	})
	if !errors.Is(err, ErrCallInProgress) {
		t.Errorf("Expected ErrCallInProgress, got %v", err)
	}
}

func TestPlaceCallRejectsNonParticipant(t *testing.T) {
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request to %s", r.URL.Path)
	}, nil)

	_, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail:  "someone@x.com",
		VendorEmail: "other@x.com",
	})
	if err == nil {
		t.Errorf("Expected error for a call the user is not part of")
	}
}

func TestBusyAutoDecline(t *testing.T) {
	declined := make(chan string, 1)
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/decline/") {
			declined <- r.URL.Path
		}
		okRecordHandler(StatusInitiated)(w, r)
	}, nil)

	// Occupy the slot.
	if _, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail: "buyer@x.com", VendorEmail: "vendor@x.com",
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	payload := `{"type":"video","call":{"roomName":"room-2","buyerEmail":"b2@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`
	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call", []byte(payload))

	select {
	case path := <-declined:
		if path != "/webrtc/video-calls/decline/room-2" {
			t.Errorf("Unexpected decline path: %s", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected the second call to be auto-declined")
	}

	if got := len(client.Pending()); got != 0 {
		t.Errorf("Expected no pending entry for an auto-declined call, got %d", got)
	}
}

func TestBusyQueuePolicy(t *testing.T) {
	config := DefaultConfig()
	config.BusyPolicy = BusyPolicyQueue
	client := newTestCallingClient(t, okRecordHandler(StatusInitiated), config)

	if _, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail: "buyer@x.com", VendorEmail: "vendor@x.com",
	}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	payload := `{"type":"video","call":{"roomName":"room-2","buyerEmail":"b2@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`
	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call", []byte(payload))

	pending := client.Pending()
	if len(pending) != 1 || pending[0].Record.RoomName != "room-2" {
		t.Errorf("Expected room-2 queued, got %+v", pending)
	}
}

func TestAcceptCallFromPending(t *testing.T) {
	client := newTestCallingClient(t, okRecordHandler(StatusActive), nil)

	incoming := make(chan interface{}, 1)
	client.Emitter.On(string(ClientEventIncomingCall), func(data interface{}) { incoming <- data })

	payload := `{"type":"video","call":{"roomName":"room-3","buyerEmail":"b@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`
	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call", []byte(payload))

	select {
	case <-incoming:
	case <-time.After(time.Second):
		t.Fatalf("Expected an incoming_call event")
	}

	call, err := client.AcceptCall(context.Background(), "room-3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if call.Status() != StatusActive {
		t.Errorf("Expected ACTIVE, got %s", call.Status())
	}
	if call.IsInitiator() {
		t.Errorf("Expected the accepted call to be callee-side")
	}
	if client.CurrentCall() != call {
		t.Errorf("Expected the accepted call in the current-call slot")
	}
	if got := len(client.Pending()); got != 0 {
		t.Errorf("Expected pending entry to be consumed, got %d", got)
	}
}

func TestOfferDuringAcceptRoundTripIsRouted(t *testing.T) {
	// The caller's offer can land while the accept HTTP round trip is
	// still in flight. The call occupies the slot before the round
	// trip, so the signal is routed and buffered for Join instead of
	// being dropped.
	var client *CallingClient
	client = newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/accept/") {
			client.handleSignal("/user/queue/webrtc-signal",
				[]byte(`{"type":"offer","roomName":"room-6","fromUser":"buyer@x.com","offer":{"type":"offer","sdp":"v=0\r\n"}}`))
		}
		okRecordHandler(StatusActive)(w, r)
	}, nil)

	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call",
		[]byte(`{"type":"video","call":{"roomName":"room-6","buyerEmail":"buyer@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`))

	call, err := client.AcceptCall(context.Background(), "room-6")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	call.mu.RLock()
	buffered := call.pendingOffer
	call.mu.RUnlock()
	if buffered == nil {
		t.Fatalf("Expected the offer that arrived during the accept round trip to be buffered")
	}
	if buffered.SDP != "v=0\r\n" {
		t.Errorf("Buffered offer lost its SDP")
	}
}

func TestAcceptCallFailureReleasesSlot(t *testing.T) {
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}, nil)

	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call",
		[]byte(`{"type":"video","call":{"roomName":"room-7","buyerEmail":"b@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`))

	if _, err := client.AcceptCall(context.Background(), "room-7"); err == nil {
		t.Fatalf("Expected error, got nil")
	}
	if client.CurrentCall() != nil {
		t.Errorf("Expected the current-call slot to be released after a failed accept")
	}
	if _, ok := client.pending.get("room-7"); !ok {
		t.Errorf("Expected the pending entry to survive a failed accept")
	}
}

func TestAcceptCallUnknownRoom(t *testing.T) {
	client := newTestCallingClient(t, okRecordHandler(StatusActive), nil)

	if _, err := client.AcceptCall(context.Background(), "room-nope"); err == nil {
		t.Errorf("Expected error for an unknown room")
	}
}

func TestDeclineCallClearsPendingEvenWhenAlreadyEnded(t *testing.T) {
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"call already ended"}`))
	}, nil)

	payload := `{"type":"video","call":{"roomName":"room-4","buyerEmail":"b@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`
	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call", []byte(payload))

	if err := client.DeclineCall(context.Background(), "room-4"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := len(client.Pending()); got != 0 {
		t.Errorf("Expected pending entry to be cleared, got %d", got)
	}
}

func TestStatusPushRoutesToCurrentCallAndPending(t *testing.T) {
	client := newTestCallingClient(t, okRecordHandler(StatusInitiated), nil)

	call, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail: "buyer@x.com", VendorEmail: "vendor@x.com",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// A stale pending entry for another room ends remotely.
	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call",
		[]byte(`{"type":"video","call":{"roomName":"room-9","buyerEmail":"b9@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`))
	client.handleStatus("/user/vendor@x.com/queue/call-status",
		[]byte(`{"type":"CALL_MISSED","roomName":"room-9"}`))
	if got := len(client.Pending()); got != 0 {
		t.Errorf("Expected terminal push to clear pending, got %d", got)
	}

	// The current call's room is declined by the callee.
	client.handleStatus("/user/vendor@x.com/queue/call-status",
		[]byte(`{"type":"CALL_DECLINED","roomName":"room-1"}`))
	if call.Status() != StatusDeclined {
		t.Errorf("Expected current call DECLINED, got %s", call.Status())
	}
}

func TestSignalRoutedToCurrentCall(t *testing.T) {
	client := newTestCallingClient(t, okRecordHandler(StatusInitiated), nil)

	call, err := client.PlaceCall(context.Background(), CallTypeVideo, InitiateRequest{
		BuyerEmail: "buyer@x.com", VendorEmail: "vendor@x.com",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// A signal for an unrelated room is dropped.
	client.handleSignal("/user/queue/webrtc-signal",
		[]byte(`{"type":"offer","roomName":"room-other","fromUser":"x@x.com","offer":{"type":"offer","sdp":"v=0\r\n"}}`))

	// A signal for the current room reaches the call; with media not yet
	// attached the offer is buffered for Join.
	client.handleSignal("/user/queue/webrtc-signal",
		[]byte(`{"type":"offer","roomName":"room-1","fromUser":"vendor@x.com","offer":{"type":"offer","sdp":"v=0\r\n"}}`))

	call.mu.RLock()
	buffered := call.pendingOffer
	call.mu.RUnlock()
	if buffered == nil {
		t.Errorf("Expected the offer for the current room to be buffered")
	}
}

func TestJoinAnswersBufferedOffer(t *testing.T) {
	client := newTestCallingClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/join/") {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(SessionDescriptor{
				RoomName:         "room-5",
				UserEmail:        "vendor@x.com",
				OtherParticipant: "buyer@x.com",
			})
			return
		}
		okRecordHandler(StatusActive)(w, r)
	}, nil)

	client.handleIncomingCall("/user/vendor@x.com/queue/incoming-call",
		[]byte(`{"type":"video","call":{"roomName":"room-5","buyerEmail":"buyer@x.com","vendorEmail":"vendor@x.com","status":"INITIATED"}}`))

	call, err := client.AcceptCall(context.Background(), "room-5")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// The caller's offer arrives before the callee joins.
	remote := newTestEngine(t, CallTypeVideo, testMediaConfig())
	offer, err := remote.CreateOffer()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	offerPayload, _ := json.Marshal(SignalMessage{
		Type:     "offer",
		RoomName: "room-5",
		FromUser: "buyer@x.com",
		ToUser:   "vendor@x.com",
		Offer:    &offer,
	})
	client.handleSignal("/user/queue/webrtc-signal", offerPayload)

	if err := call.Join(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	media := call.Media()
	if media == nil {
		t.Fatalf("Expected media to be attached after Join")
	}
	// The buffered offer was consumed and answered: the callee side has
	// both descriptions applied.
	call.mu.RLock()
	leftover := call.pendingOffer
	call.mu.RUnlock()
	if leftover != nil {
		t.Errorf("Expected the buffered offer to be consumed by Join")
	}
}
