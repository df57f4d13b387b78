/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"errors"
	"time"
)

// ErrCallTerminal is returned when an action is attempted against a call
// that has already reached a terminal status. Callers should treat it as
// "this call already ended" rather than a failure.
var ErrCallTerminal = errors.New("calling: call already in a terminal status")

// ErrCallInProgress is returned when placing or accepting a call while
// another call occupies the current-call slot.
var ErrCallInProgress = errors.New("calling: another call is already in progress")

// NegotiationError wraps a failure in the WebRTC offer/answer or ICE
// exchange for a call.
type NegotiationError struct {
	RoomName string
	Err      error
}

func (e *NegotiationError) Error() string {
	return "calling: negotiation failed for room " + e.RoomName + ": " + e.Err.Error()
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// CallType selects the media profile of a call. Voice and video calls use
// parallel API namespaces and notification topics on the control plane.
type CallType string

const (
	// CallTypeVoice is an audio-only call.
	CallTypeVoice CallType = "voice"
	// CallTypeVideo is an audio and video call.
	CallTypeVideo CallType = "video"
)

// apiSegment returns the control-plane path segment for the call type.
func (t CallType) apiSegment() string {
	if t == CallTypeVideo {
		return "video-calls"
	}
	return "voice-calls"
}

// CallStatus is the lifecycle status of a call. The control plane is
// authoritative for status; local transitions are optimistic and can be
// overridden by server pushes.
type CallStatus string

const (
	// StatusInitiated means the call exists but the callee has not been
	// alerted yet.
	StatusInitiated CallStatus = "INITIATED"
	// StatusRinging means the callee has been alerted.
	StatusRinging CallStatus = "RINGING"
	// StatusActive means the callee accepted and media may flow.
	StatusActive CallStatus = "ACTIVE"
	// StatusEnded means an active call finished normally.
	StatusEnded CallStatus = "ENDED"
	// StatusDeclined means the callee rejected the call.
	StatusDeclined CallStatus = "DECLINED"
	// StatusMissed means the call rang out unanswered.
	StatusMissed CallStatus = "MISSED"
)

// Terminal reports whether the status is final. A call in a terminal
// status never transitions again.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed:
		return true
	}
	return false
}

// CallRecord is the control plane's view of a call room.
type CallRecord struct {
	RoomName        string     `json:"roomName"`
	CallType        CallType   `json:"callType,omitempty"`
	BuyerEmail      string     `json:"buyerEmail"`
	VendorEmail     string     `json:"vendorEmail"`
	Status          CallStatus `json:"status"`
	BuyerJoined     bool       `json:"buyerJoined,omitempty"`
	VendorJoined    bool       `json:"vendorJoined,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds,omitempty"`
	ProductID       string     `json:"productId,omitempty"`
	ProductName     string     `json:"productName,omitempty"`
	ShopID          string     `json:"shopId,omitempty"`
	ShopName        string     `json:"shopName,omitempty"`
}

// OtherParticipant returns the email of the participant that is not the
// given user. An empty string means the user is not part of the call.
func (r *CallRecord) OtherParticipant(userEmail string) string {
	switch userEmail {
	case r.BuyerEmail:
		return r.VendorEmail
	case r.VendorEmail:
		return r.BuyerEmail
	}
	return ""
}

// Duration returns the talk time of the call. It prefers the server-
// computed duration and falls back to the start/end timestamps.
func (r *CallRecord) Duration() time.Duration {
	if r.DurationSeconds > 0 {
		return time.Duration(r.DurationSeconds) * time.Second
	}
	if r.StartedAt != nil && r.EndedAt != nil {
		return r.EndedAt.Sub(*r.StartedAt)
	}
	return 0
}

// ICEServer describes a STUN or TURN server handed out by the control
// plane when a participant joins a room.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// SessionDescriptor is the join-time session information for a room: who
// the local user is talking to and which ICE servers to use.
type SessionDescriptor struct {
	RoomName         string      `json:"roomName"`
	UserEmail        string      `json:"userEmail"`
	OtherParticipant string      `json:"otherParticipant"`
	CallType         CallType    `json:"callType,omitempty"`
	ICEServers       []ICEServer `json:"iceServers"`
}

// InitiateRequest is the body for creating a new call room. Buyer and
// vendor emails are required; the product and shop fields attach commerce
// context so the callee sees what the call is about.
type InitiateRequest struct {
	BuyerEmail  string `json:"buyerEmail"`
	VendorEmail string `json:"vendorEmail"`
	ProductID   string `json:"productId,omitempty"`
	ProductName string `json:"productName,omitempty"`
	ShopID      string `json:"shopId,omitempty"`
	ShopName    string `json:"shopName,omitempty"`
}
