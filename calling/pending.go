/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"sort"
	"sync"
	"time"
)

// PendingCall is an incoming call waiting for the local user to accept
// or decline it.
type PendingCall struct {
	Record      CallRecord
	CallType    CallType
	ProductName string
	ShopName    string
	ReceivedAt  time.Time
}

// pendingCalls is the client-side cache of incoming calls, fed by push
// events and reconciled against the control plane by the poll loop.
// Events and polls carry overlapping data; the cache dedupes by room.
// Entries ring out locally after ringTimeout even when the caller's leg
// never sends a terminal push.
type pendingCalls struct {
	ringTimeout time.Duration
	pollGrace   time.Duration

	mu      sync.Mutex
	entries map[string]PendingCall
	timers  map[string]*time.Timer
	emitter *EventEmitter
}

// newPendingCalls creates the cache. ringTimeout of zero disables local
// expiry; pollGrace of zero makes reconcile drop unlisted entries
// regardless of age.
func newPendingCalls(emitter *EventEmitter, ringTimeout, pollGrace time.Duration) *pendingCalls {
	return &pendingCalls{
		ringTimeout: ringTimeout,
		pollGrace:   pollGrace,
		entries:     make(map[string]PendingCall),
		timers:      make(map[string]*time.Timer),
		emitter:     emitter,
	}
}

// add inserts an incoming call. Terminal and duplicate rooms are
// ignored. Returns true when the call was new.
func (p *pendingCalls) add(ev *IncomingCallEvent) bool {
	if ev.Call.Status.Terminal() {
		return false
	}

	p.mu.Lock()
	if _, exists := p.entries[ev.Call.RoomName]; exists {
		p.mu.Unlock()
		return false
	}
	entry := PendingCall{
		Record:      ev.Call,
		CallType:    ev.CallType,
		ProductName: ev.ProductName,
		ShopName:    ev.ShopName,
		ReceivedAt:  ev.ReceivedAt,
	}
	if entry.ProductName == "" {
		entry.ProductName = ev.Call.ProductName
	}
	if entry.ShopName == "" {
		entry.ShopName = ev.Call.ShopName
	}
	p.entries[ev.Call.RoomName] = entry
	p.armLocked(ev.Call.RoomName)
	p.mu.Unlock()

	p.emitter.Emit(string(ClientEventPendingAdded), entry)
	return true
}

// armLocked starts the local ring-out timer for a room. An entry still
// cached when it fires is treated as missed and dropped.
func (p *pendingCalls) armLocked(roomName string) {
	if p.ringTimeout <= 0 {
		return
	}
	p.timers[roomName] = time.AfterFunc(p.ringTimeout, func() {
		p.remove(roomName)
	})
}

// get returns the pending entry for a room.
func (p *pendingCalls) get(roomName string) (PendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[roomName]
	return entry, ok
}

// remove drops a room from the cache. Returns true when it was present.
func (p *pendingCalls) remove(roomName string) bool {
	p.mu.Lock()
	entry, ok := p.entries[roomName]
	if ok {
		delete(p.entries, roomName)
		p.disarmLocked(roomName)
	}
	p.mu.Unlock()

	if ok {
		p.emitter.Emit(string(ClientEventPendingRemoved), entry)
	}
	return ok
}

func (p *pendingCalls) disarmLocked(roomName string) {
	if timer, ok := p.timers[roomName]; ok {
		timer.Stop()
		delete(p.timers, roomName)
	}
}

// list returns the pending calls ordered by arrival.
func (p *pendingCalls) list() []PendingCall {
	p.mu.Lock()
	out := make([]PendingCall, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, entry)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// reconcile replaces the cached set for one call type with the control
// plane's answer. Calls the poll discovered are added; cached calls of
// that type the server no longer lists are dropped. Both directions
// cover pushes lost while the message bus was down. Entries younger
// than pollGrace are kept even when unlisted: a push can land after the
// server produced the poll response, and the next poll settles it.
func (p *pendingCalls) reconcile(callType CallType, records []CallRecord) {
	now := time.Now()
	listed := make(map[string]bool, len(records))

	var added, removed []PendingCall

	p.mu.Lock()
	for _, record := range records {
		listed[record.RoomName] = true
		if record.Status.Terminal() {
			continue
		}
		if _, exists := p.entries[record.RoomName]; exists {
			continue
		}
		entry := PendingCall{
			Record:      record,
			CallType:    callType,
			ProductName: record.ProductName,
			ShopName:    record.ShopName,
			ReceivedAt:  now,
		}
		p.entries[record.RoomName] = entry
		p.armLocked(record.RoomName)
		added = append(added, entry)
	}
	for roomName, entry := range p.entries {
		if entry.CallType != callType || listed[roomName] {
			continue
		}
		if p.pollGrace > 0 && now.Sub(entry.ReceivedAt) < p.pollGrace {
			continue
		}
		delete(p.entries, roomName)
		p.disarmLocked(roomName)
		removed = append(removed, entry)
	}
	p.mu.Unlock()

	for _, entry := range added {
		p.emitter.Emit(string(ClientEventPendingAdded), entry)
	}
	for _, entry := range removed {
		p.emitter.Emit(string(ClientEventPendingRemoved), entry)
	}
}
