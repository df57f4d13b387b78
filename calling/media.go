/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
)

// MediaUnavailableError means local media tracks could not be acquired.
// When it is returned from NewMediaEngine no peer connection has been
// created, so there is nothing to tear down.
type MediaUnavailableError struct {
	Err error
}

func (e *MediaUnavailableError) Error() string {
	return "calling: media unavailable: " + e.Err.Error()
}

func (e *MediaUnavailableError) Unwrap() error {
	return e.Err
}

// IsMediaUnavailable checks if an error is a MediaUnavailableError.
func IsMediaUnavailable(err error) bool {
	var mediaErr *MediaUnavailableError
	return errors.As(err, &mediaErr)
}

// MediaProvider supplies the local media tracks for a call. The default
// provider creates RTP tracks that the host application feeds samples
// into; embedders with device access can supply their own.
type MediaProvider interface {
	// AcquireTracks returns the local tracks for a call of the given
	// type: audio only for voice, audio and video for video calls.
	AcquireTracks(callType CallType) ([]webrtc.TrackLocal, error)
	// Release frees the tracks returned by AcquireTracks.
	Release(tracks []webrtc.TrackLocal)
}

// RTPTrackProvider is the default MediaProvider. It creates static RTP
// tracks; the host application writes RTP packets into them.
type RTPTrackProvider struct{}

// AcquireTracks creates an Opus audio track and, for video calls, a VP8
// video track.
func (p *RTPTrackProvider) AcquireTracks(callType CallType) ([]webrtc.TrackLocal, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"bdic-calls",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if callType == CallTypeVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			"bdic-calls",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

// Release is a no-op; static RTP tracks hold no device resources.
func (p *RTPTrackProvider) Release(tracks []webrtc.TrackLocal) {}

// MediaConfig holds configuration for the media engine.
type MediaConfig struct {
	// Provider supplies local media tracks. Defaults to RTPTrackProvider.
	Provider MediaProvider
	// FallbackICEServers are used when the control plane hands out none.
	FallbackICEServers []ICEServer
}

// DefaultMediaConfig returns a MediaConfig with platform defaults.
func DefaultMediaConfig() *MediaConfig {
	return &MediaConfig{
		Provider: &RTPTrackProvider{},
		FallbackICEServers: []ICEServer{
			{URL: "stun:stun.l.google.com:19302"},
		},
	}
}

// MediaEngine manages the WebRTC peer connection for one call room. It
// publishes candidates as they are gathered (trickle ICE) and buffers
// remote candidates that arrive before the remote description is set,
// flushing them once it lands.
type MediaEngine struct {
	mu                sync.Mutex
	peerConnection    *webrtc.PeerConnection
	provider          MediaProvider
	localTracks       []webrtc.TrackLocal
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	onRemoteTrack     func(track *webrtc.TrackRemote)
	onLocalCandidate  func(candidate webrtc.ICECandidateInit)
	onStateChange     func(state webrtc.PeerConnectionState)
	logger            callsdk.Logger
	closed            bool
}

// NewMediaEngine acquires local tracks and creates a peer connection
// configured with the given ICE servers. Track acquisition happens first:
// if it fails, a MediaUnavailableError is returned and no peer connection
// exists.
func NewMediaEngine(iceServers []ICEServer, callType CallType, config *MediaConfig, logger callsdk.Logger) (*MediaEngine, error) {
	if config == nil {
		config = DefaultMediaConfig()
	}
	provider := config.Provider
	if provider == nil {
		provider = &RTPTrackProvider{}
	}
	if len(iceServers) == 0 {
		iceServers = config.FallbackICEServers
	}

	tracks, err := provider.AcquireTracks(callType)
	if err != nil {
		return nil, &MediaUnavailableError{Err: err}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		provider.Release(tracks)
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Default interceptors (RTCP reports, NACK, TWCC) are required when
	// using a custom MediaEngine, otherwise incoming SRTP is not
	// processed and OnTrack may not fire.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		provider.Release(tracks)
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: toPionICEServers(iceServers),
	})
	if err != nil {
		provider.Release(tracks)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	engine := &MediaEngine{
		peerConnection: pc,
		provider:       provider,
		localTracks:    tracks,
		logger:         logger,
	}

	for _, track := range tracks {
		transceiver, err := pc.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
		)
		if err != nil {
			provider.Release(tracks)
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", track.Kind(), err)
		}

		// Drain RTCP from the sender to keep the interceptors fed.
		go func(sender *webrtc.RTPSender) {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}(transceiver.Sender())
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			engine.logf("media: ICE gathering complete")
			return
		}
		engine.mu.Lock()
		handler := engine.onLocalCandidate
		engine.mu.Unlock()
		if handler != nil {
			handler(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		engine.logf("media: remote %s track received (codec %s)", track.Kind(), track.Codec().MimeType)
		engine.mu.Lock()
		handler := engine.onRemoteTrack
		engine.mu.Unlock()
		if handler != nil {
			handler(track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		engine.logf("media: connection state %s", s.String())
		engine.mu.Lock()
		handler := engine.onStateChange
		engine.mu.Unlock()
		if handler != nil {
			handler(s)
		}
	})

	return engine, nil
}

// OnRemoteTrack sets the callback for remote media tracks.
func (me *MediaEngine) OnRemoteTrack(handler func(track *webrtc.TrackRemote)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onRemoteTrack = handler
}

// OnLocalCandidate sets the callback for locally gathered ICE candidates.
// Each candidate should be published to the remote peer as soon as the
// callback fires.
func (me *MediaEngine) OnLocalCandidate(handler func(candidate webrtc.ICECandidateInit)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onLocalCandidate = handler
}

// OnStateChange sets the callback for peer connection state changes.
func (me *MediaEngine) OnStateChange(handler func(state webrtc.PeerConnectionState)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onStateChange = handler
}

// LocalTracks returns the local tracks attached to the connection. For
// the default provider these are *webrtc.TrackLocalStaticRTP values the
// host application writes RTP into.
func (me *MediaEngine) LocalTracks() []webrtc.TrackLocal {
	me.mu.Lock()
	defer me.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, len(me.localTracks))
	copy(tracks, me.localTracks)
	return tracks
}

// ConnectionState returns the current peer connection state.
func (me *MediaEngine) ConnectionState() webrtc.PeerConnectionState {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.peerConnection == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return me.peerConnection.ConnectionState()
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Candidates are not waited for; they trickle through OnLocalCandidate.
func (me *MediaEngine) CreateOffer() (webrtc.SessionDescription, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	offer, err := me.peerConnection.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := me.peerConnection.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (me *MediaEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	answer, err := me.peerConnection.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := me.peerConnection.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteOffer applies the remote peer's offer and flushes any
// candidates that arrived ahead of it.
func (me *MediaEngine) SetRemoteOffer(desc webrtc.SessionDescription) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	desc.Type = webrtc.SDPTypeOffer
	if err := me.peerConnection.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	me.remoteDescSet = true
	me.flushPendingLocked()
	return nil
}

// SetRemoteAnswer applies the remote peer's answer. A duplicate answer
// (signaling state already stable) is ignored; the message bus can
// redeliver after a reconnect.
func (me *MediaEngine) SetRemoteAnswer(desc webrtc.SessionDescription) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		me.logf("media: ignoring duplicate answer, signaling state already stable")
		return nil
	}

	desc.Type = webrtc.SDPTypeAnswer
	if err := me.peerConnection.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	me.remoteDescSet = true
	me.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate. Candidates that
// arrive before the remote description are buffered in order and applied
// when it is set.
func (me *MediaEngine) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.closed {
		return nil
	}
	if !me.remoteDescSet {
		me.pendingCandidates = append(me.pendingCandidates, candidate)
		return nil
	}
	if err := me.peerConnection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// BufferedCandidates returns the number of remote candidates waiting for
// the remote description.
func (me *MediaEngine) BufferedCandidates() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.pendingCandidates)
}

func (me *MediaEngine) flushPendingLocked() {
	for _, candidate := range me.pendingCandidates {
		if err := me.peerConnection.AddICECandidate(candidate); err != nil {
			me.logf("media: failed to apply buffered candidate: %v", err)
		}
	}
	me.pendingCandidates = nil
}

// Close releases the local tracks and closes the peer connection. It is
// safe to call more than once.
func (me *MediaEngine) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if me.closed {
		return nil
	}
	me.closed = true

	if me.localTracks != nil {
		me.provider.Release(me.localTracks)
		me.localTracks = nil
	}
	if me.peerConnection != nil {
		if err := me.peerConnection.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

func (me *MediaEngine) logf(format string, v ...interface{}) {
	if me.logger != nil {
		me.logger.Printf(format, v...)
		return
	}
	log.Printf(format, v...)
}

func toPionICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: []string{s.URL}}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
