/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
	"github.com/Victor-Maverick/bdic-calls-go/signaling"
)

// Call is the state machine for one call room. Local actions (accept,
// decline, hang up) apply their transition optimistically and revert if
// the control plane rejects them; server status pushes are authoritative
// and always win. Once a call reaches a terminal status it never
// transitions again and all late signals for its room are ignored.
type Call struct {
	core      *callsdk.Client
	config    *Config
	control   *CallControlClient
	transport *signaling.Client

	// Emitter fires CallEvent* events for this call.
	Emitter *EventEmitter

	mu           sync.RWMutex
	record       CallRecord
	status       CallStatus
	localEmail   string
	remoteEmail  string
	initiator    bool
	muted        bool
	media        *MediaEngine
	pendingOffer *webrtc.SessionDescription
	ringTimer    *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
}

// newCall wraps a server call record in a local state machine. initiator
// marks the side that placed the call and therefore creates the offer.
func newCall(core *callsdk.Client, config *Config, control *CallControlClient, transport *signaling.Client, record CallRecord, localEmail string, initiator bool) *Call {
	status := record.Status
	if status == "" {
		status = StatusInitiated
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		core:        core,
		config:      config,
		control:     control,
		transport:   transport,
		Emitter:     NewEventEmitter(),
		record:      record,
		status:      status,
		localEmail:  localEmail,
		remoteEmail: record.OtherParticipant(localEmail),
		initiator:   initiator,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RoomName returns the room this call lives in.
func (c *Call) RoomName() string {
	return c.record.RoomName
}

// Type returns the call's media profile.
func (c *Call) Type() CallType {
	return c.record.CallType
}

// Remote returns the other participant's email.
func (c *Call) Remote() string {
	return c.remoteEmail
}

// IsInitiator reports whether the local user placed this call.
func (c *Call) IsInitiator() bool {
	return c.initiator
}

// Status returns the current call status.
func (c *Call) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsTerminal reports whether the call has reached a final status.
func (c *Call) IsTerminal() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Terminal()
}

// Record returns a snapshot of the call record.
func (c *Call) Record() CallRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record := c.record
	record.Status = c.status
	return record
}

// Context returns a context that is canceled when the call reaches a
// terminal status. Host goroutines feeding media can watch it.
func (c *Call) Context() context.Context {
	return c.ctx
}

// IsMuted reports whether the local side is muted.
func (c *Call) IsMuted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted
}

// Media returns the negotiation engine, or nil before Join.
func (c *Call) Media() *MediaEngine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.media
}

// armRingTimer starts the unanswered-call timer. When it fires while the
// call is still INITIATED or RINGING the call is marked missed.
func (c *Call) armRingTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() || c.ringTimer != nil {
		return
	}
	c.ringTimer = time.AfterFunc(c.config.RingTimeout, c.onRingTimeout)
}

func (c *Call) onRingTimeout() {
	c.mu.RLock()
	ringing := c.status == StatusInitiated || c.status == StatusRinging
	c.mu.RUnlock()
	if !ringing {
		return
	}
	c.logf("call %s: ring timeout after %s", c.record.RoomName, c.config.RingTimeout)
	if c.applyTerminal(StatusMissed, true) {
		c.Emitter.Emit(string(CallEventMissed), c.Record())
	}
}

// Accept answers a ringing incoming call. The transition to ACTIVE is
// optimistic: if the control plane rejects it with a non-terminal error
// the call reverts to its previous status.
func (c *Call) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrCallTerminal
	}
	if c.status == StatusActive {
		c.mu.Unlock()
		return nil
	}
	prev := c.status
	c.status = StatusActive
	c.mu.Unlock()

	record, err := c.control.Accept(ctx, c.record.CallType, c.record.RoomName, c.localEmail)
	if err != nil {
		if isTerminal(err) {
			// The caller hung up before we answered; the status
			// push carries the final status.
			c.logf("call %s: accept raced a remote hangup", c.record.RoomName)
			c.mu.Lock()
			c.status = prev
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.status = prev
		c.mu.Unlock()
		c.Emitter.Emit(string(CallEventError), err)
		return err
	}

	c.mu.Lock()
	if c.status.Terminal() {
		// A terminal push won the race during the round trip; the
		// call never reached ACTIVE locally.
		c.mu.Unlock()
		return ErrCallTerminal
	}
	c.absorbRecordLocked(record)
	if c.record.StartedAt == nil {
		now := time.Now()
		c.record.StartedAt = &now
	}
	c.stopRingTimerLocked()
	c.mu.Unlock()

	c.Emitter.Emit(string(CallEventActive), c.Record())
	return nil
}

// Decline rejects a ringing call. Declining a call that already ended is
// a logged no-op from the caller's point of view; ErrCallTerminal is
// returned so interested callers can tell.
func (c *Call) Decline(ctx context.Context) error {
	return c.finish(ctx, StatusDeclined, CallEventDeclined, func(ctx context.Context) error {
		_, err := c.control.Decline(ctx, c.record.CallType, c.record.RoomName, c.localEmail)
		return err
	})
}

// Hangup ends a ringing or active call.
func (c *Call) Hangup(ctx context.Context) error {
	return c.finish(ctx, StatusEnded, CallEventEnded, func(ctx context.Context) error {
		_, err := c.control.End(ctx, c.record.CallType, c.record.RoomName, c.localEmail)
		return err
	})
}

// finish drives a locally initiated terminal transition: notify the
// control plane first, then tear down. A terminal answer from the server
// still tears down locally; any other failure leaves the call as it was.
func (c *Call) finish(ctx context.Context, status CallStatus, event CallEventKey, notify func(context.Context) error) error {
	c.mu.RLock()
	if c.status.Terminal() {
		c.mu.RUnlock()
		return ErrCallTerminal
	}
	c.mu.RUnlock()

	err := notify(ctx)
	if err != nil && !isTerminal(err) {
		c.Emitter.Emit(string(CallEventError), err)
		return err
	}
	if err != nil {
		c.logf("call %s: already terminal on the control plane", c.record.RoomName)
	}

	if c.applyTerminal(status, false) {
		c.Emitter.Emit(string(event), c.Record())
	}
	return nil
}

// Join attaches media to the call: fetches the session descriptor,
// builds the peer connection, announces presence, and (for the
// initiator) sends the offer. The callee's answer is produced when the
// offer signal arrives.
func (c *Call) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrCallTerminal
	}
	if c.media != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	descriptor, err := c.control.GetSessionInfo(ctx, c.record.CallType, c.record.RoomName, c.localEmail)
	if err != nil {
		return err
	}

	engine, err := NewMediaEngine(descriptor.ICEServers, c.record.CallType, c.config.MediaConfig, c.core.GetLogger())
	if err != nil {
		return err
	}

	engine.OnLocalCandidate(func(candidate webrtc.ICECandidateInit) {
		c.publishSignal(CandidateDestination, SignalMessage{
			Type:      signalTypeCandidate,
			RoomName:  c.record.RoomName,
			FromUser:  c.localEmail,
			ToUser:    c.remoteEmail,
			Candidate: &candidate,
		})
	})
	engine.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		c.Emitter.Emit(string(CallEventRemoteMedia), track)
	})
	engine.OnStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			c.handleMediaFailure(state)
		}
	})

	c.mu.Lock()
	if c.status.Terminal() {
		// The call ended while we were joining.
		c.mu.Unlock()
		_ = engine.Close()
		return ErrCallTerminal
	}
	if c.media != nil {
		// A concurrent Join won; keep its engine.
		c.mu.Unlock()
		_ = engine.Close()
		return nil
	}
	if descriptor.OtherParticipant != "" {
		c.remoteEmail = descriptor.OtherParticipant
	}
	c.media = engine
	offer := c.pendingOffer
	c.pendingOffer = nil
	c.mu.Unlock()

	c.publish(JoinRoomDestination, roomPresence{RoomName: c.record.RoomName, UserEmail: c.localEmail})

	if c.initiator {
		desc, err := engine.CreateOffer()
		if err != nil {
			return c.negotiationFailed(fmt.Errorf("offer: %w", err))
		}
		c.publishSignal(OfferDestination, SignalMessage{
			Type:     signalTypeOffer,
			RoomName: c.record.RoomName,
			FromUser: c.localEmail,
			ToUser:   c.remoteEmail,
			Offer:    &desc,
		})
	} else if offer != nil {
		// The offer raced ahead of our join; answer it now.
		if err := c.answerOffer(*offer); err != nil {
			return err
		}
	}
	return nil
}

// ToggleMute flips the local mute flag and emits the matching event.
func (c *Call) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()

	if muted {
		c.Emitter.Emit(string(CallEventMuted), c.Record())
	} else {
		c.Emitter.Emit(string(CallEventUnmuted), c.Record())
	}
	return muted
}

// handleSignal routes a decoded signaling message into the negotiation
// engine. Signals for terminal calls are logged and dropped.
func (c *Call) handleSignal(sig Signal) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		c.logf("call %s: ignoring %T for terminal call", c.record.RoomName, sig)
		return
	}
	media := c.media
	if media == nil {
		if offer, ok := sig.(*OfferSignal); ok {
			// Join has not finished yet; keep the offer for it.
			c.pendingOffer = &offer.Description
		} else {
			c.logf("call %s: ignoring %T before media setup", c.record.RoomName, sig)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch s := sig.(type) {
	case *OfferSignal:
		if err := c.answerOffer(s.Description); err != nil {
			c.logf("call %s: %v", c.record.RoomName, err)
		}
	case *AnswerSignal:
		if err := media.SetRemoteAnswer(s.Description); err != nil {
			_ = c.negotiationFailed(fmt.Errorf("answer: %w", err))
		}
	case *CandidateSignal:
		if err := media.AddRemoteCandidate(s.Candidate); err != nil {
			c.logf("call %s: %v", c.record.RoomName, err)
		}
	}
}

// answerOffer applies the remote offer and publishes the local answer.
func (c *Call) answerOffer(desc webrtc.SessionDescription) error {
	c.mu.RLock()
	media := c.media
	c.mu.RUnlock()
	if media == nil {
		return fmt.Errorf("call %s: no media engine for offer", c.record.RoomName)
	}

	if err := media.SetRemoteOffer(desc); err != nil {
		return c.negotiationFailed(fmt.Errorf("remote offer: %w", err))
	}
	answer, err := media.CreateAnswer()
	if err != nil {
		return c.negotiationFailed(fmt.Errorf("answer: %w", err))
	}
	c.publishSignal(AnswerDestination, SignalMessage{
		Type:     signalTypeAnswer,
		RoomName: c.record.RoomName,
		FromUser: c.localEmail,
		ToUser:   c.remoteEmail,
		Answer:   &answer,
	})
	return nil
}

// handleStatus applies a server status push. Server pushes are
// authoritative: terminal pushes always land, and an ACTIVE update moves
// a ringing outgoing call to ACTIVE.
func (c *Call) handleStatus(ev *StatusEvent) {
	if terminal := ev.TerminalStatus(); terminal != "" {
		if c.applyTerminal(terminal, false) {
			switch terminal {
			case StatusDeclined:
				c.Emitter.Emit(string(CallEventDeclined), c.Record())
			case StatusMissed:
				c.Emitter.Emit(string(CallEventMissed), c.Record())
			default:
				c.Emitter.Emit(string(CallEventEnded), c.Record())
			}
		}
		return
	}

	switch ev.Status {
	case StatusActive:
		c.mu.Lock()
		if c.status.Terminal() || c.status == StatusActive {
			c.mu.Unlock()
			return
		}
		c.status = StatusActive
		if ev.Call != nil {
			c.absorbRecordLocked(ev.Call)
		}
		if c.record.StartedAt == nil {
			now := time.Now()
			c.record.StartedAt = &now
		}
		c.stopRingTimerLocked()
		c.mu.Unlock()
		c.Emitter.Emit(string(CallEventActive), c.Record())
	case StatusRinging:
		c.mu.Lock()
		if c.status != StatusInitiated {
			c.mu.Unlock()
			return
		}
		c.status = StatusRinging
		c.mu.Unlock()
		c.Emitter.Emit(string(CallEventRinging), c.Record())
	}
}

func (c *Call) handleMediaFailure(state webrtc.PeerConnectionState) {
	if c.IsTerminal() {
		return
	}
	c.logf("call %s: media transport %s", c.record.RoomName, state)
	_ = c.negotiationFailed(fmt.Errorf("peer connection %s", state))
}

// negotiationFailed ends the call after an unrecoverable negotiation or
// transport error, notifying the control plane best-effort.
func (c *Call) negotiationFailed(cause error) error {
	err := &NegotiationError{RoomName: c.record.RoomName, Err: cause}
	if c.applyTerminal(StatusEnded, true) {
		c.Emitter.Emit(string(CallEventError), err)
		c.Emitter.Emit(string(CallEventEnded), c.Record())
	}
	return err
}

// applyTerminal moves the call to a terminal status exactly once and
// tears it down: media first, then local state, then the server notify,
// so a failed notify never leaks local resources. It returns false when
// another terminal transition already won.
func (c *Call) applyTerminal(status CallStatus, notifyServer bool) bool {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return false
	}
	wasActive := c.status == StatusActive
	c.status = status
	now := time.Now()
	c.record.EndedAt = &now
	if c.record.StartedAt != nil && c.record.DurationSeconds == 0 {
		c.record.DurationSeconds = int64(now.Sub(*c.record.StartedAt) / time.Second)
	}
	c.stopRingTimerLocked()
	media := c.media
	c.media = nil
	c.pendingOffer = nil
	c.mu.Unlock()

	c.cancel()

	if media != nil {
		if err := media.Close(); err != nil {
			c.logf("call %s: media teardown: %v", c.record.RoomName, err)
		}
		c.publish(LeaveRoomDestination, roomPresence{RoomName: c.record.RoomName, UserEmail: c.localEmail})
	}

	if notifyServer {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if wasActive || status == StatusEnded || status == StatusMissed {
			_, err = c.control.End(notifyCtx, c.record.CallType, c.record.RoomName, c.localEmail)
		} else {
			_, err = c.control.Decline(notifyCtx, c.record.CallType, c.record.RoomName, c.localEmail)
		}
		if err != nil && !isTerminal(err) {
			c.logf("call %s: failed to notify server of %s: %v", c.record.RoomName, status, err)
		}
	}
	return true
}

func (c *Call) absorbRecordLocked(record *CallRecord) {
	if record == nil {
		return
	}
	if record.StartedAt != nil {
		c.record.StartedAt = record.StartedAt
	}
	if record.EndedAt != nil {
		c.record.EndedAt = record.EndedAt
	}
	if record.DurationSeconds > 0 {
		c.record.DurationSeconds = record.DurationSeconds
	}
	c.record.BuyerJoined = record.BuyerJoined
	c.record.VendorJoined = record.VendorJoined
}

func (c *Call) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// publishSignal sends a signaling message; failures are logged, the
// negotiation recovers through retransmits or dies through the media
// state handler.
func (c *Call) publishSignal(destination string, msg SignalMessage) {
	c.publish(destination, msg)
}

func (c *Call) publish(destination string, body interface{}) {
	if c.transport == nil {
		return
	}
	if err := c.transport.Publish(destination, body); err != nil {
		c.logf("call %s: publish to %s failed: %v", c.record.RoomName, destination, err)
	}
}

func (c *Call) logf(format string, v ...interface{}) {
	if logger := c.core.GetLogger(); logger != nil {
		logger.Printf(format, v...)
	}
}

func isTerminal(err error) bool {
	return err != nil && errors.Is(err, ErrCallTerminal)
}
