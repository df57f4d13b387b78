/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

// Package calls is the top-level client for the BDIC virtual market
// calling platform. It aggregates the core API client, the signaling
// transport, and the calling client behind one entry point:
//
//	client, err := calls.NewClient(token, nil)
//	cc, err := client.Calling()
//	call, err := cc.PlaceCall(ctx, calling.CallTypeVideo, req)
//	defer client.Shutdown()
package calls

import (
	"sync"
	"time"

	"github.com/Victor-Maverick/bdic-calls-go/calling"
	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
	"github.com/Victor-Maverick/bdic-calls-go/signaling"
)

// Client is the top-level client for the calling platform.
type Client struct {
	core *callsdk.Client

	mu              sync.Mutex
	signalingClient *signaling.Client
	signalingConfig *signaling.Config
	callingClient   *calling.CallingClient
	callingConfig   *calling.Config
}

// NewClient creates a new client with the given identity token and
// optional configuration.
func NewClient(identityToken string, config *callsdk.Config) (*Client, error) {
	core, err := callsdk.NewClient(identityToken, config)
	if err != nil {
		return nil, err
	}

	return &Client{
		core: core,
	}, nil
}

// Core returns the core API client.
func (c *Client) Core() *callsdk.Client {
	return c.core
}

// SetCallingConfig overrides the calling configuration. It must be
// called before the first Calling() call.
func (c *Client) SetCallingConfig(config *calling.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callingConfig = config
}

// SetSignalingConfig overrides the transport configuration. It must be
// called before the first Signaling() or Calling() call.
func (c *Client) SetSignalingConfig(config *signaling.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalingConfig = config
}

// Signaling returns the websocket transport, lazily created. Connect is
// left to the caller so notification-only consumers can choose when to
// come online.
func (c *Client) Signaling() *signaling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingLocked()
}

func (c *Client) signalingLocked() *signaling.Client {
	if c.signalingClient == nil {
		c.signalingClient = signaling.New(c.core, c.signalingConfig)
	}
	return c.signalingClient
}

// Calling returns a fully wired calling client: transport connected,
// notification topics subscribed, pending-call reconciliation running.
// The client is lazily initialized on first call and cached. A failed
// transport connect is not fatal: the client comes up in polling-only
// mode and the connection is retried in the background, with
// subscriptions replayed once it lands.
func (c *Client) Calling() (*calling.CallingClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callingClient != nil {
		return c.callingClient, nil
	}

	transport := c.signalingLocked()
	if !transport.IsConnected() {
		if err := transport.Connect(); err != nil {
			c.core.GetLogger().Printf("calls: signaling connect failed, starting in polling-only mode: %v", err)
			go c.redialSignaling(transport)
		}
	}

	callingClient := calling.New(c.core, transport, c.callingConfig)
	if err := callingClient.Start(); err != nil {
		return nil, err
	}

	c.callingClient = callingClient
	return c.callingClient, nil
}

// redialSignaling keeps retrying the transport connection after the
// initial connect gave up. It stops once the link is up or the client
// has been shut down.
func (c *Client) redialSignaling(transport *signaling.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		active := c.signalingClient == transport
		c.mu.Unlock()
		if !active || transport.IsConnected() {
			return
		}
		if err := transport.Connect(); err != nil {
			c.core.GetLogger().Printf("calls: signaling reconnect failed, staying in polling-only mode: %v", err)
			continue
		}
		return
	}
}

// Shutdown hangs up any active call, stops the calling client, and
// signs the transport off.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	callingClient := c.callingClient
	transport := c.signalingClient
	c.callingClient = nil
	c.signalingClient = nil
	c.mu.Unlock()

	if callingClient != nil {
		callingClient.Stop()
	}
	if transport != nil {
		return transport.Close()
	}
	return nil
}
