/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

// Package calling implements the buyer/vendor calling core of the BDIC
// virtual market: the call-control API client, the per-call state machine,
// the WebRTC negotiation engine, and the pending-call surface.
//
// The CallingClient is the entry point. It owns the single current-call
// slot for the signed-in identity, routes inbound signaling messages to
// the active call, and keeps the pending-call list reconciled against the
// control plane.
package calling

import "time"

// BusyPolicy decides what happens to an incoming call while another call
// is already in progress.
type BusyPolicy string

const (
	// BusyPolicyDecline automatically declines the new call.
	BusyPolicyDecline BusyPolicy = "decline"
	// BusyPolicyQueue keeps the new call in the pending list without
	// ringing it; the user can pick it up after the current call ends.
	BusyPolicyQueue BusyPolicy = "queue"
)

// Config holds configuration for the calling client.
type Config struct {
	// RingTimeout is how long an unanswered outgoing call rings before
	// it is treated as missed.
	RingTimeout time.Duration

	// PollInterval is the cadence of the pending-call reconciliation
	// poll. Polling runs regardless of signaling health; it is the only
	// source of pending calls while the message bus is down.
	PollInterval time.Duration

	// BusyPolicy governs incoming calls while a call is active.
	BusyPolicy BusyPolicy

	// MediaConfig is the WebRTC media configuration.
	MediaConfig *MediaConfig
}

// DefaultConfig returns a Config with platform defaults.
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:  40 * time.Second,
		PollInterval: 15 * time.Second,
		BusyPolicy:   BusyPolicyDecline,
		MediaConfig:  DefaultMediaConfig(),
	}
}
