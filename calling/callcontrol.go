/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

package calling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
)

// CallControlClient talks to the call-control REST API: creating rooms,
// joining them, and driving accept/decline/end transitions. All methods
// take a context and return typed errors from the callsdk package;
// conflict and not-found responses on lifecycle actions are translated
// to ErrCallTerminal.
type CallControlClient struct {
	core   *callsdk.Client
	config *Config
}

// newCallControlClient creates a new CallControlClient.
func newCallControlClient(core *callsdk.Client, config *Config) *CallControlClient {
	return &CallControlClient{
		core:   core,
		config: config,
	}
}

// Initiate creates a new call room between a buyer and a vendor and
// returns the server's record of it, normally in status INITIATED.
func (cc *CallControlClient) Initiate(ctx context.Context, callType CallType, req InitiateRequest) (*CallRecord, error) {
	if req.BuyerEmail == "" || req.VendorEmail == "" {
		return nil, fmt.Errorf("initiate requires both buyer and vendor emails")
	}

	path := fmt.Sprintf("webrtc/%s/initiate", callType.apiSegment())
	resp, err := cc.core.RequestWithContext(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate %s call: %w", callType, err)
	}

	var record CallRecord
	if err := callsdk.ParseResponse(resp, &record); err != nil {
		return nil, err
	}
	if record.CallType == "" {
		record.CallType = callType
	}
	return &record, nil
}

// GetSessionInfo joins a room on the control plane and returns the
// session descriptor: the other participant and the ICE servers to use.
func (cc *CallControlClient) GetSessionInfo(ctx context.Context, callType CallType, roomName, userEmail string) (*SessionDescriptor, error) {
	params := url.Values{}
	params.Set("userEmail", userEmail)

	path := fmt.Sprintf("webrtc/%s/join/%s", callType.apiSegment(), url.PathEscape(roomName))
	resp, err := cc.core.RequestWithContext(ctx, http.MethodPost, path, params, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", roomName, err)
	}

	var descriptor SessionDescriptor
	if err := callsdk.ParseResponse(resp, &descriptor); err != nil {
		return nil, translateTerminal(err, roomName)
	}
	if descriptor.RoomName == "" {
		descriptor.RoomName = roomName
	}
	if descriptor.CallType == "" {
		descriptor.CallType = callType
	}
	return &descriptor, nil
}

// Accept marks the call as accepted by the callee. The call moves to
// ACTIVE on the control plane and a status push goes to the caller.
func (cc *CallControlClient) Accept(ctx context.Context, callType CallType, roomName, userEmail string) (*CallRecord, error) {
	return cc.lifecycle(ctx, callType, "accept", roomName, userEmail)
}

// Decline rejects a ringing call. Declining a call that already reached a
// terminal status returns ErrCallTerminal.
func (cc *CallControlClient) Decline(ctx context.Context, callType CallType, roomName, userEmail string) (*CallRecord, error) {
	return cc.lifecycle(ctx, callType, "decline", roomName, userEmail)
}

// End hangs up a ringing or active call.
func (cc *CallControlClient) End(ctx context.Context, callType CallType, roomName, userEmail string) (*CallRecord, error) {
	return cc.lifecycle(ctx, callType, "end", roomName, userEmail)
}

func (cc *CallControlClient) lifecycle(ctx context.Context, callType CallType, action, roomName, userEmail string) (*CallRecord, error) {
	params := url.Values{}
	params.Set("userEmail", userEmail)

	path := fmt.Sprintf("webrtc/%s/%s/%s", callType.apiSegment(), action, url.PathEscape(roomName))
	resp, err := cc.core.RequestWithContext(ctx, http.MethodPost, path, params, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to %s call in room %s: %w", action, roomName, err)
	}

	var record CallRecord
	if err := callsdk.ParseResponse(resp, &record); err != nil {
		return nil, translateTerminal(err, roomName)
	}
	if record.CallType == "" {
		record.CallType = callType
	}
	return &record, nil
}

// ListPending returns the non-terminal calls waiting on the given callee.
func (cc *CallControlClient) ListPending(ctx context.Context, callType CallType, vendorEmail string) ([]CallRecord, error) {
	params := url.Values{}
	params.Set("vendorEmail", vendorEmail)

	path := fmt.Sprintf("webrtc/%s/pending", callType.apiSegment())
	resp, err := cc.core.RequestWithContext(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s calls: %w", callType, err)
	}

	var records []CallRecord
	if err := callsdk.ParseResponse(resp, &records); err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].CallType == "" {
			records[i].CallType = callType
		}
	}
	return records, nil
}

// History returns the finished calls the given user took part in.
func (cc *CallControlClient) History(ctx context.Context, callType CallType, userEmail string) ([]CallRecord, error) {
	params := url.Values{}
	params.Set("userEmail", userEmail)

	path := fmt.Sprintf("webrtc/%s/history", callType.apiSegment())
	resp, err := cc.core.RequestWithContext(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s call history: %w", callType, err)
	}

	var records []CallRecord
	if err := callsdk.ParseResponse(resp, &records); err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].CallType == "" {
			records[i].CallType = callType
		}
	}
	return records, nil
}

// Health probes the calling API for the given call type.
func (cc *CallControlClient) Health(ctx context.Context, callType CallType) error {
	path := fmt.Sprintf("webrtc/%s/health", callType.apiSegment())
	resp, err := cc.core.RequestWithContext(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return fmt.Errorf("calling health check failed: %w", err)
	}
	return callsdk.ParseResponse(resp, nil)
}

// translateTerminal maps conflict and not-found API errors on lifecycle
// actions to ErrCallTerminal. The control plane answers 409 when the call
// status no longer permits the action and 404 when the room is unknown or
// already archived; both mean "this call already ended" to a caller.
func translateTerminal(err error, roomName string) error {
	if err == nil {
		return nil
	}
	if callsdk.IsConflict(err) || callsdk.IsNotFound(err) {
		return fmt.Errorf("room %s: %w: %w", roomName, ErrCallTerminal, err)
	}
	return err
}
