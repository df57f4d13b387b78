/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
	"github.com/Victor-Maverick/bdic-calls-go/signaling"
)

// CallingClient ties the calling core together for one signed-in user:
// it subscribes to the user's notification topics, routes signals to the
// current call, maintains the pending-call surface, and enforces the
// one-call-at-a-time rule.
type CallingClient struct {
	core      *callsdk.Client
	config    *Config
	control   *CallControlClient
	transport *signaling.Client

	// Emitter fires ClientEvent* events.
	Emitter *EventEmitter

	mu       sync.RWMutex
	current  *Call
	pending  *pendingCalls
	started  bool
	pollStop chan struct{}
}

// New creates a CallingClient on top of the core API client and the
// signaling transport. Call Start to begin receiving notifications.
func New(core *callsdk.Client, transport *signaling.Client, config *Config) *CallingClient {
	if config == nil {
		config = DefaultConfig()
	}
	emitter := NewEventEmitter()
	return &CallingClient{
		core:      core,
		config:    config,
		control:   newCallControlClient(core, config),
		transport: transport,
		Emitter:   emitter,
		pending:   newPendingCalls(emitter, config.RingTimeout, config.PollInterval),
	}
}

// Control returns the call-control API client for direct use.
func (cc *CallingClient) Control() *CallControlClient {
	return cc.control
}

// CurrentCall returns the call occupying the current-call slot, which
// may already be terminal, or nil.
func (cc *CallingClient) CurrentCall() *Call {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.current
}

// Pending returns the incoming calls waiting on the local user, oldest
// first.
func (cc *CallingClient) Pending() []PendingCall {
	return cc.pending.list()
}

// Start subscribes to the user's notification topics and starts the
// pending-call reconciliation poll. The transport replays subscriptions
// after a reconnect, so Start is needed only once.
func (cc *CallingClient) Start() error {
	cc.mu.Lock()
	if cc.started {
		cc.mu.Unlock()
		return nil
	}
	cc.started = true
	cc.pollStop = make(chan struct{})
	pollStop := cc.pollStop
	cc.mu.Unlock()

	email := cc.core.UserEmail
	if email == "" {
		return fmt.Errorf("calling: core client has no user email")
	}

	for _, callType := range []CallType{CallTypeVideo, CallTypeVoice} {
		if err := cc.transport.Subscribe(IncomingCallTopic(email, callType), cc.handleIncomingCall); err != nil {
			return fmt.Errorf("calling: subscribe incoming-call topic: %w", err)
		}
		if err := cc.transport.Subscribe(CallStatusTopic(email, callType), cc.handleStatus); err != nil {
			return fmt.Errorf("calling: subscribe call-status topic: %w", err)
		}
	}
	if err := cc.transport.Subscribe(SignalTopic, cc.handleSignal); err != nil {
		return fmt.Errorf("calling: subscribe signal topic: %w", err)
	}

	cc.transport.OnConnectionChange(func(connected bool) {
		if connected {
			cc.Emitter.Emit(string(ClientEventSignalingUp), nil)
		} else {
			cc.Emitter.Emit(string(ClientEventSignalingDown), nil)
		}
	})

	go cc.pollLoop(pollStop)
	return nil
}

// Stop hangs up the current call best-effort and stops the poll loop.
// The transport connection is owned by the caller and stays up.
func (cc *CallingClient) Stop() {
	cc.mu.Lock()
	if !cc.started {
		cc.mu.Unlock()
		return
	}
	cc.started = false
	close(cc.pollStop)
	current := cc.current
	cc.mu.Unlock()

	if current != nil && !current.IsTerminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := current.Hangup(ctx); err != nil {
			cc.logf("calling: hangup on stop: %v", err)
		}
	}
}

// PlaceCall creates a call room and occupies the current-call slot with
// an outgoing call in INITIATED status. The local user must be one of
// the two participants in the request.
func (cc *CallingClient) PlaceCall(ctx context.Context, callType CallType, req InitiateRequest) (*Call, error) {
	email := cc.core.UserEmail
	if email != req.BuyerEmail && email != req.VendorEmail {
		return nil, fmt.Errorf("calling: %s is not a participant of the requested call", email)
	}

	cc.mu.Lock()
	if cc.current != nil && !cc.current.IsTerminal() {
		cc.mu.Unlock()
		return nil, ErrCallInProgress
	}
	cc.mu.Unlock()

	record, err := cc.control.Initiate(ctx, callType, req)
	if err != nil {
		return nil, err
	}

	call := newCall(cc.core, cc.config, cc.control, cc.transport, *record, email, true)
	call.armRingTimer()

	cc.mu.Lock()
	if cc.current != nil && !cc.current.IsTerminal() {
		// Lost the slot while the initiate request was in flight.
		cc.mu.Unlock()
		declineCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := cc.control.End(declineCtx, callType, record.RoomName, email); err != nil && !isTerminal(err) {
			cc.logf("calling: failed to abandon room %s: %v", record.RoomName, err)
		}
		return nil, ErrCallInProgress
	}
	cc.current = call
	cc.mu.Unlock()

	call.Emitter.Emit(string(CallEventRinging), call.Record())
	return call, nil
}

// AcceptCall answers a pending incoming call by room name and moves it
// into the current-call slot. Accepting from the pending surface and
// accepting from a ringing screen are the same path. The call occupies
// the slot before the accept round trip so that signals for the room
// arriving while it is in flight are routed, not dropped; the slot is
// released again if the accept fails.
func (cc *CallingClient) AcceptCall(ctx context.Context, roomName string) (*Call, error) {
	entry, ok := cc.pending.get(roomName)
	if !ok {
		return nil, fmt.Errorf("calling: no pending call for room %s", roomName)
	}

	record := entry.Record
	record.CallType = entry.CallType
	call := newCall(cc.core, cc.config, cc.control, cc.transport, record, cc.core.UserEmail, false)

	cc.mu.Lock()
	if cc.current != nil && !cc.current.IsTerminal() {
		cc.mu.Unlock()
		return nil, ErrCallInProgress
	}
	cc.current = call
	cc.mu.Unlock()

	if err := call.Accept(ctx); err != nil {
		cc.mu.Lock()
		if cc.current == call {
			cc.current = nil
		}
		cc.mu.Unlock()
		if isTerminal(err) {
			cc.pending.remove(roomName)
		}
		return nil, err
	}

	cc.pending.remove(roomName)
	return call, nil
}

// DeclineCall rejects a pending incoming call by room name. Declining a
// call that already ended on the control plane still clears it locally.
func (cc *CallingClient) DeclineCall(ctx context.Context, roomName string) error {
	entry, ok := cc.pending.get(roomName)
	if !ok {
		return fmt.Errorf("calling: no pending call for room %s", roomName)
	}

	record := entry.Record
	record.CallType = entry.CallType
	call := newCall(cc.core, cc.config, cc.control, cc.transport, record, cc.core.UserEmail, false)
	err := call.Decline(ctx)
	if err != nil && !isTerminal(err) {
		return err
	}
	cc.pending.remove(roomName)
	return nil
}

// handleIncomingCall handles a push on an incoming-call topic.
func (cc *CallingClient) handleIncomingCall(destination string, payload []byte) {
	ev, err := DecodeIncomingCall(payload)
	if err != nil {
		cc.logf("calling: %s: %v", destination, err)
		return
	}

	cc.mu.RLock()
	busy := cc.current != nil && !cc.current.IsTerminal()
	cc.mu.RUnlock()

	if busy && cc.config.BusyPolicy == BusyPolicyDecline {
		cc.logf("calling: busy, auto-declining room %s", ev.Call.RoomName)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := cc.control.Decline(ctx, ev.CallType, ev.Call.RoomName, cc.core.UserEmail); err != nil && !isTerminal(err) {
			cc.logf("calling: auto-decline of room %s failed: %v", ev.Call.RoomName, err)
		}
		return
	}

	if cc.pending.add(ev) {
		cc.Emitter.Emit(string(ClientEventIncomingCall), ev)
	}
}

// handleStatus handles a push on a call-status topic.
func (cc *CallingClient) handleStatus(destination string, payload []byte) {
	ev, err := DecodeStatus(payload)
	if err != nil {
		cc.logf("calling: %s: %v", destination, err)
		return
	}

	if ev.TerminalStatus() != "" {
		cc.pending.remove(ev.RoomName)
	}

	cc.mu.RLock()
	current := cc.current
	cc.mu.RUnlock()
	if current != nil && current.RoomName() == ev.RoomName {
		current.handleStatus(ev)
	}
}

// handleSignal handles a push on the WebRTC signal queue.
func (cc *CallingClient) handleSignal(destination string, payload []byte) {
	sig, err := DecodeSignal(payload)
	if err != nil {
		cc.logf("calling: %s: %v", destination, err)
		return
	}

	cc.mu.RLock()
	current := cc.current
	cc.mu.RUnlock()
	if current == nil || current.RoomName() != sig.Room() {
		cc.logf("calling: ignoring %T for room %s with no matching call", sig, sig.Room())
		return
	}
	current.handleSignal(sig)
}

// pollLoop reconciles the pending-call cache against the control plane.
// It runs whether or not the message bus is healthy; while the bus is
// down it is the only source of pending calls.
func (cc *CallingClient) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(cc.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cc.pollOnce()
		}
	}
}

func (cc *CallingClient) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), cc.config.PollInterval)
	defer cancel()

	for _, callType := range []CallType{CallTypeVideo, CallTypeVoice} {
		records, err := cc.control.ListPending(ctx, callType, cc.core.UserEmail)
		if err != nil {
			cc.logf("calling: pending poll (%s): %v", callType, err)
			cc.Emitter.Emit(string(ClientEventError), err)
			continue
		}
		cc.pending.reconcile(callType, records)
	}
}

func (cc *CallingClient) logf(format string, v ...interface{}) {
	if logger := cc.core.GetLogger(); logger != nil {
		logger.Printf(format, v...)
	}
}
