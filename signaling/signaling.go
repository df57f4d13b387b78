/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

// Package signaling maintains the persistent websocket connection to the
// BDIC message bus. It is a plain transport: callers subscribe to
// destinations and publish JSON payloads; all knowledge of the call-domain
// message shapes lives in the calling package.
//
// One Client is created per signed-in identity and shared by every component
// that needs live signaling. The connection reconnects automatically with
// exponential backoff, and active subscriptions are replayed after every
// reconnect so handlers keep receiving messages transparently.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
)

// ErrNotConnected is returned by Publish when the message bus is unreachable.
// Callers should degrade to polling the control plane instead of failing hard.
var ErrNotConnected = errors.New("signaling: not connected")

// Config holds the configuration for the signaling transport.
type Config struct {
	PingInterval                time.Duration // Interval between ping frames
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Retry allowance for the first connection
	HandshakeTimeout            time.Duration // Websocket dial handshake timeout
	ConnectTimeout              time.Duration // Timeout waiting for the CONNECTED frame
	SubscriptionBuffer          int           // Per-destination queue depth
}

// DefaultConfig returns the default configuration for the signaling transport.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
		HandshakeTimeout:            10 * time.Second,
		ConnectTimeout:              30 * time.Second,
		SubscriptionBuffer:          64,
	}
}

// frame is the JSON envelope exchanged with the message bus.
type frame struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Frame types on the wire.
const (
	frameConnect     = "CONNECT"
	frameConnected   = "CONNECTED"
	frameSubscribe   = "SUBSCRIBE"
	frameUnsubscribe = "UNSUBSCRIBE"
	frameSend        = "SEND"
	frameMessage     = "MESSAGE"
	frameError       = "ERROR"
)

// MessageHandler receives the raw payload of each message delivered on a
// subscribed destination. Handlers for one destination are invoked in
// delivery order; no ordering holds across destinations.
type MessageHandler func(destination string, payload []byte)

// ConnectionHandler is notified when the transport gains or loses its link.
type ConnectionHandler func(connected bool)

// subscription tracks one destination's handler and its ordered dispatch
// queue. The queue goroutine outlives individual connections so delivery
// order is preserved across reconnects.
type subscription struct {
	destination string
	handler     MessageHandler
	queue       chan []byte
	stop        chan struct{}
}

// Client is the signaling transport client.
type Client struct {
	core   *callsdk.Client
	config *Config

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	connecting    bool
	hasConnected  bool
	subscriptions map[string]*subscription
	connHandlers  []ConnectionHandler
	closeCh       chan struct{}
	done          chan struct{}

	retryCount     int
	currentBackoff time.Duration

	customURL string
}

// New creates a new signaling transport client.
func New(core *callsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:           core,
		config:         config,
		subscriptions:  make(map[string]*subscription),
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// SetCustomURL overrides the websocket endpoint derived from the core client.
func (c *Client) SetCustomURL(url string) {
	c.mu.Lock()
	c.customURL = url
	c.mu.Unlock()
}

// Connect establishes the websocket connection to the message bus.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	customURL := c.customURL
	c.mu.Unlock()

	wsURL := customURL
	if wsURL == "" {
		wsURL = c.core.SignalingURL()
	}

	return c.connectWithBackoff(wsURL)
}

// Disconnect closes the websocket connection. Subscriptions stay registered
// and are replayed if Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(c.closeCh)

	// Fresh channels for future connections
	c.closeCh = make(chan struct{})
	c.done = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	handlers := append([]ConnectionHandler(nil), c.connHandlers...)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}

	for _, h := range handlers {
		h(false)
	}

	return nil
}

// Close tears the transport down for good: disconnects and stops every
// subscription's dispatch goroutine. Used on sign-out.
func (c *Client) Close() error {
	err := c.Disconnect()

	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		close(sub.stop)
	}
	return err
}

// IsConnected reports whether the transport currently has a live link.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnectionChange registers a handler invoked whenever the link comes up
// or goes down. Used by the pending-call surface to fall back to polling.
func (c *Client) OnConnectionChange(handler ConnectionHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.connHandlers = append(c.connHandlers, handler)
	c.mu.Unlock()
}

// Subscribe registers a handler for a destination. The subscription is
// replayed automatically after every reconnect. Subscribing before Connect
// is allowed; the SUBSCRIBE frame is sent once the link is up.
func (c *Client) Subscribe(destination string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("signaling: nil handler for %s", destination)
	}

	sub := &subscription{
		destination: destination,
		handler:     handler,
		queue:       make(chan []byte, c.config.SubscriptionBuffer),
		stop:        make(chan struct{}),
	}

	c.mu.Lock()
	if prev, ok := c.subscriptions[destination]; ok {
		close(prev.stop)
	}
	c.subscriptions[destination] = sub
	connected := c.connected
	c.mu.Unlock()

	go sub.dispatch()

	if connected {
		return c.writeFrame(frame{
			ID:          uuid.New().String(),
			Type:        frameSubscribe,
			Destination: destination,
		})
	}
	return nil
}

// Unsubscribe removes the handler for a destination.
func (c *Client) Unsubscribe(destination string) {
	c.mu.Lock()
	sub, ok := c.subscriptions[destination]
	if ok {
		delete(c.subscriptions, destination)
	}
	connected := c.connected
	c.mu.Unlock()

	if !ok {
		return
	}
	close(sub.stop)

	if connected {
		_ = c.writeFrame(frame{
			ID:          uuid.New().String(),
			Type:        frameUnsubscribe,
			Destination: destination,
		})
	}
}

// Subscriptions returns the currently registered destinations.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	dests := make([]string, 0, len(c.subscriptions))
	for d := range c.subscriptions {
		dests = append(dests, d)
	}
	return dests
}

// Publish sends a payload to a destination. Returns ErrNotConnected when the
// link is down so callers can degrade to polling.
func (c *Client) Publish(destination string, payload any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal payload for %s: %w", destination, err)
	}

	return c.writeFrame(frame{
		ID:          uuid.New().String(),
		Type:        frameSend,
		Destination: destination,
		Payload:     body,
	})
}

// dispatch drains the subscription queue in order until stopped.
func (s *subscription) dispatch() {
	for {
		select {
		case <-s.stop:
			return
		case payload := <-s.queue:
			s.handler(s.destination, payload)
		}
	}
}

// writeFrame marshals and writes one frame under the connection lock.
func (c *Client) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("signaling: marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write frame: %w", err)
	}
	return nil
}

// connectWithBackoff attempts to connect with exponential backoff.
func (c *Client) connectWithBackoff(wsURL string) error {
	c.mu.Lock()
	closeCh := c.closeCh
	c.mu.Unlock()

	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset

	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}

	var err error
	for c.retryCount <= maxRetries {
		err = c.attemptConnection(wsURL)
		if err == nil {
			return nil
		}

		c.retryCount++
		if c.retryCount > maxRetries {
			break
		}

		select {
		case <-time.After(c.currentBackoff):
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-closeCh:
			return nil // stopped by caller
		}
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("signaling: failed to connect after %d attempts: %w", c.retryCount, err)
}

// attemptConnection makes a single connection attempt.
func (c *Client) attemptConnection(wsURL string) error {
	conn, err := c.dial(wsURL)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	if err := c.openSession(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	c.done = make(chan struct{})
	handlers := append([]ConnectionHandler(nil), c.connHandlers...)
	c.mu.Unlock()

	if err := c.resubscribeAll(); err != nil {
		c.core.GetLogger().Printf("signaling: resubscribe after connect: %v", err)
	}

	go c.pingLoop()
	go c.readLoop()

	for _, h := range handlers {
		h(true)
	}

	return nil
}

// dial opens the websocket with bearer auth headers.
func (c *Client) dial(wsURL string) (*websocket.Conn, error) {
	headers := make(map[string][]string)
	headers["Authorization"] = []string{"Bearer " + c.core.GetIdentityToken()}
	headers["TrackingID"] = []string{fmt.Sprintf("bdic-calls-go_%d", time.Now().UnixMilli())}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", wsURL, err)
	}
	return conn, nil
}

// openSession sends the CONNECT frame and waits for CONNECTED.
func (c *Client) openSession(conn *websocket.Conn) error {
	connect := frame{
		ID:   uuid.New().String(),
		Type: frameConnect,
	}
	data, err := json.Marshal(connect)
	if err != nil {
		return fmt.Errorf("signaling: marshal CONNECT: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: send CONNECT: %w", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				resultCh <- fmt.Errorf("signaling: read CONNECT response: %w", err)
				return
			}

			var f frame
			if err := json.Unmarshal(message, &f); err != nil {
				continue
			}

			switch f.Type {
			case frameConnected:
				resultCh <- nil
				return
			case frameError:
				resultCh <- fmt.Errorf("signaling: session rejected: %s", f.Error)
				return
			}
		}
	}()

	select {
	case err := <-resultCh:
		return err
	case <-time.After(c.config.ConnectTimeout):
		return fmt.Errorf("signaling: session open timed out after %s", c.config.ConnectTimeout)
	}
}

// resubscribeAll replays every tracked subscription on the current link.
func (c *Client) resubscribeAll() error {
	c.mu.Lock()
	dests := make([]string, 0, len(c.subscriptions))
	for d := range c.subscriptions {
		dests = append(dests, d)
	}
	c.mu.Unlock()

	var firstErr error
	for _, d := range dests {
		err := c.writeFrame(frame{
			ID:          uuid.New().String(),
			Type:        frameSubscribe,
			Destination: d,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readLoop reads frames from the websocket until the connection drops.
func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.mu.Unlock()
	if conn == nil {
		return
	}

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(err)
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.core.GetLogger().Printf("signaling: malformed frame: %v", err)
			continue
		}

		if f.Type != frameMessage {
			continue
		}

		c.deliver(f)
	}
}

// deliver routes a MESSAGE frame into its destination's ordered queue.
func (c *Client) deliver(f frame) {
	c.mu.Lock()
	sub, ok := c.subscriptions[f.Destination]
	c.mu.Unlock()
	if !ok {
		c.core.GetLogger().Printf("signaling: message for unsubscribed destination %s", f.Destination)
		return
	}

	select {
	case sub.queue <- f.Payload:
	default:
		// Queue full: drop the oldest to keep the stream moving. A stalled
		// handler must not wedge the read loop for every other destination.
		select {
		case <-sub.queue:
		default:
		}
		sub.queue <- f.Payload
		c.core.GetLogger().Printf("signaling: queue overflow on %s, dropped oldest message", f.Destination)
	}
}

// handleConnectionError triggers reconnection unless deliberately closed.
func (c *Client) handleConnectionError(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	handlers := append([]ConnectionHandler(nil), c.connHandlers...)
	closeCh := c.closeCh
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	for _, h := range handlers {
		h(false)
	}

	select {
	case <-closeCh:
		// Deliberate disconnect, stay down.
	default:
		c.core.GetLogger().Printf("signaling: connection lost (%v), reconnecting", err)
		go c.reconnect()
	}
}

// reconnect re-establishes the link and replays subscriptions.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	conn := c.conn
	customURL := c.customURL
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	wsURL := customURL
	if wsURL == "" {
		wsURL = c.core.SignalingURL()
	}

	if err := c.connectWithBackoff(wsURL); err != nil {
		c.core.GetLogger().Printf("signaling: reconnect failed: %v", err)
	}
}

// pingLoop keeps the connection alive and detects dead peers.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	done := c.done
	closeCh := c.closeCh
	c.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.reconnect()
				return
			}
		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}

// ping sends a websocket ping and arms the pong deadline.
func (c *Client) ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
		return err
	}

	return conn.WriteControl(
		websocket.PingMessage,
		[]byte(fmt.Sprintf("%d", time.Now().UnixMilli())),
		time.Now().Add(5*time.Second),
	)
}
