/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import "sync"

// CallEventKey identifies the type of call event
type CallEventKey string

const (
	CallEventRinging     CallEventKey = "ringing"
	CallEventActive      CallEventKey = "active"
	CallEventRemoteMedia CallEventKey = "remote_media"
	CallEventEnded       CallEventKey = "ended"
	CallEventDeclined    CallEventKey = "declined"
	CallEventMissed      CallEventKey = "missed"
	CallEventMuted       CallEventKey = "muted"
	CallEventUnmuted     CallEventKey = "unmuted"
	CallEventError       CallEventKey = "call_error"
)

// ClientEventKey identifies the type of calling-client event
type ClientEventKey string

const (
	ClientEventIncomingCall   ClientEventKey = "incoming_call"
	ClientEventPendingAdded   ClientEventKey = "pending_added"
	ClientEventPendingRemoved ClientEventKey = "pending_removed"
	ClientEventSignalingUp    ClientEventKey = "signaling_up"
	ClientEventSignalingDown  ClientEventKey = "signaling_down"
	ClientEventError          ClientEventKey = "client_error"
)

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
