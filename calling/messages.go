/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Per-user notification topics and shared publish destinations. Video and
// voice calls ride parallel topics so a client can run both profiles at
// once without cross-talk.
const (
	// SignalTopic carries WebRTC offers, answers and ICE candidates
	// addressed to the signed-in user.
	SignalTopic = "/user/queue/webrtc-signal"

	// OfferDestination and friends are the app-side destinations the
	// client publishes signaling messages to.
	OfferDestination     = "/app/webrtc/offer"
	AnswerDestination    = "/app/webrtc/answer"
	CandidateDestination = "/app/webrtc/ice-candidate"
	JoinRoomDestination  = "/app/webrtc/join-room"
	LeaveRoomDestination = "/app/webrtc/leave-room"
)

// IncomingCallTopic returns the per-user topic for incoming call alerts
// of the given call type.
func IncomingCallTopic(userEmail string, callType CallType) string {
	if callType == CallTypeVoice {
		return "/user/" + userEmail + "/queue/incoming-voice-call"
	}
	return "/user/" + userEmail + "/queue/incoming-call"
}

// CallStatusTopic returns the per-user topic for call status pushes of
// the given call type.
func CallStatusTopic(userEmail string, callType CallType) string {
	if callType == CallTypeVoice {
		return "/user/" + userEmail + "/queue/voice-call-status"
	}
	return "/user/" + userEmail + "/queue/call-status"
}

// Signal message type discriminators on the wire.
const (
	signalTypeOffer     = "offer"
	signalTypeAnswer    = "answer"
	signalTypeCandidate = "ice-candidate"
)

// SignalMessage is the wire shape of a WebRTC signaling message. Exactly
// one of Offer, Answer or Candidate is set, matching Type.
type SignalMessage struct {
	Type      string                     `json:"type"`
	RoomName  string                     `json:"roomName"`
	FromUser  string                     `json:"fromUser"`
	ToUser    string                     `json:"toUser,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Signal is a decoded signaling message. Concrete types are OfferSignal,
// AnswerSignal and CandidateSignal.
type Signal interface {
	Room() string
	From() string
	isSignal()
}

// OfferSignal carries the remote peer's session offer.
type OfferSignal struct {
	RoomName    string
	FromUser    string
	ToUser      string
	Description webrtc.SessionDescription
}

// AnswerSignal carries the remote peer's session answer.
type AnswerSignal struct {
	RoomName    string
	FromUser    string
	ToUser      string
	Description webrtc.SessionDescription
}

// CandidateSignal carries a single remote ICE candidate.
type CandidateSignal struct {
	RoomName  string
	FromUser  string
	ToUser    string
	Candidate webrtc.ICECandidateInit
}

func (s *OfferSignal) Room() string     { return s.RoomName }
func (s *OfferSignal) From() string     { return s.FromUser }
func (s *OfferSignal) isSignal()        {}
func (s *AnswerSignal) Room() string    { return s.RoomName }
func (s *AnswerSignal) From() string    { return s.FromUser }
func (s *AnswerSignal) isSignal()       {}
func (s *CandidateSignal) Room() string { return s.RoomName }
func (s *CandidateSignal) From() string { return s.FromUser }
func (s *CandidateSignal) isSignal()    {}

// DecodeSignal parses a signaling payload into its concrete variant. An
// unknown type or a variant missing its payload is an error, never a
// silent zero value.
func DecodeSignal(data []byte) (Signal, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid signal payload: %w", err)
	}
	if msg.RoomName == "" {
		return nil, fmt.Errorf("signal of type %q has no room name", msg.Type)
	}

	switch msg.Type {
	case signalTypeOffer:
		if msg.Offer == nil {
			return nil, fmt.Errorf("offer signal for room %s carries no description", msg.RoomName)
		}
		return &OfferSignal{RoomName: msg.RoomName, FromUser: msg.FromUser, ToUser: msg.ToUser, Description: *msg.Offer}, nil
	case signalTypeAnswer:
		if msg.Answer == nil {
			return nil, fmt.Errorf("answer signal for room %s carries no description", msg.RoomName)
		}
		return &AnswerSignal{RoomName: msg.RoomName, FromUser: msg.FromUser, ToUser: msg.ToUser, Description: *msg.Answer}, nil
	case signalTypeCandidate:
		if msg.Candidate == nil {
			return nil, fmt.Errorf("candidate signal for room %s carries no candidate", msg.RoomName)
		}
		return &CandidateSignal{RoomName: msg.RoomName, FromUser: msg.FromUser, ToUser: msg.ToUser, Candidate: *msg.Candidate}, nil
	}
	return nil, fmt.Errorf("unknown signal type %q", msg.Type)
}

// StatusKind discriminates call status pushes.
type StatusKind string

const (
	// StatusKindUpdate is a plain status change, typically to ACTIVE.
	StatusKindUpdate StatusKind = "STATUS_UPDATE"
	// StatusKindEnded announces a normal hangup.
	StatusKindEnded StatusKind = "CALL_ENDED"
	// StatusKindDeclined announces a callee rejection.
	StatusKindDeclined StatusKind = "CALL_DECLINED"
	// StatusKindMissed announces an unanswered ring-out.
	StatusKindMissed StatusKind = "CALL_MISSED"
)

// StatusEvent is a server push on a call-status topic.
type StatusEvent struct {
	Kind     StatusKind  `json:"type"`
	RoomName string      `json:"roomName"`
	Status   CallStatus  `json:"status,omitempty"`
	Call     *CallRecord `json:"call,omitempty"`
}

// TerminalStatus maps the event kind to the terminal status it implies,
// or "" for a non-terminal update.
func (e *StatusEvent) TerminalStatus() CallStatus {
	switch e.Kind {
	case StatusKindEnded:
		return StatusEnded
	case StatusKindDeclined:
		return StatusDeclined
	case StatusKindMissed:
		return StatusMissed
	case StatusKindUpdate:
		if e.Status.Terminal() {
			return e.Status
		}
	}
	return ""
}

// DecodeStatus parses a call-status payload. Unknown kinds are an error.
func DecodeStatus(data []byte) (*StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid status payload: %w", err)
	}
	switch ev.Kind {
	case StatusKindUpdate, StatusKindEnded, StatusKindDeclined, StatusKindMissed:
	default:
		return nil, fmt.Errorf("unknown status kind %q", ev.Kind)
	}
	if ev.RoomName == "" && ev.Call != nil {
		ev.RoomName = ev.Call.RoomName
	}
	if ev.RoomName == "" {
		return nil, fmt.Errorf("status event of kind %q has no room name", ev.Kind)
	}
	return &ev, nil
}

// IncomingCallEvent is a server push on an incoming-call topic.
type IncomingCallEvent struct {
	Call        CallRecord `json:"call"`
	CallType    CallType   `json:"type"`
	ProductName string     `json:"productName,omitempty"`
	ShopName    string     `json:"shopName,omitempty"`
	ReceivedAt  time.Time  `json:"-"`
}

// DecodeIncomingCall parses an incoming-call payload.
func DecodeIncomingCall(data []byte) (*IncomingCallEvent, error) {
	var ev IncomingCallEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid incoming-call payload: %w", err)
	}
	if ev.Call.RoomName == "" {
		return nil, fmt.Errorf("incoming-call event has no room name")
	}
	if ev.CallType == "" {
		ev.CallType = ev.Call.CallType
	}
	if ev.CallType == "" {
		ev.CallType = CallTypeVideo
	}
	ev.ReceivedAt = time.Now()
	return &ev, nil
}

// roomPresence is the body published to the join-room and leave-room
// destinations.
type roomPresence struct {
	RoomName  string `json:"roomName"`
	UserEmail string `json:"userEmail"`
}
