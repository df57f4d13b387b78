/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

// call-probe is a diagnostic tool for the calling platform: it checks the
// control-plane health endpoints, connects to the message bus, and prints
// every notification addressed to the signed-in user until interrupted.
//
// Configuration comes from the environment (a .env file is honored):
//
//	BDIC_TOKEN      identity token (required)
//	BDIC_API_URL    control-plane base URL (optional)
//	BDIC_USER_EMAIL identity override for opaque tokens (optional)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	calls "github.com/Victor-Maverick/bdic-calls-go"
	"github.com/Victor-Maverick/bdic-calls-go/calling"
	"github.com/Victor-Maverick/bdic-calls-go/callsdk"
)

func main() {
	_ = godotenv.Load()

	token := os.Getenv("BDIC_TOKEN")
	if token == "" {
		fmt.Println("BDIC_TOKEN env var required")
		os.Exit(1)
	}

	config := callsdk.DefaultConfig()
	if url := os.Getenv("BDIC_API_URL"); url != "" {
		config.BaseURL = url
	}
	config.UserEmail = os.Getenv("BDIC_USER_EMAIL")

	client, err := calls.NewClient(token, config)
	if err != nil {
		fmt.Printf("ERROR creating client: %v\n", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	fmt.Printf("[1/3] Probing control plane at %s...\n", client.Core().BaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	callingClient, err := client.Calling()
	if err != nil {
		fmt.Printf("ERROR starting calling client: %v\n", err)
		os.Exit(1)
	}

	for _, callType := range []calling.CallType{calling.CallTypeVideo, calling.CallTypeVoice} {
		if err := callingClient.Control().Health(ctx, callType); err != nil {
			fmt.Printf("  %s calling API: DOWN (%v)\n", callType, err)
		} else {
			fmt.Printf("  %s calling API: ok\n", callType)
		}
	}

	fmt.Printf("[2/3] Signed in as %s, message bus connected\n", client.Core().UserEmail)

	pending := callingClient.Pending()
	fmt.Printf("  %d pending call(s)\n", len(pending))
	for _, p := range pending {
		fmt.Printf("    %s  %s  from %s  (%s)\n",
			p.Record.RoomName, p.CallType, p.Record.BuyerEmail, p.ProductName)
	}

	callingClient.Emitter.On(string(calling.ClientEventIncomingCall), func(data interface{}) {
		ev := data.(*calling.IncomingCallEvent)
		fmt.Printf("  INCOMING  %s  %s call from %s\n", ev.Call.RoomName, ev.CallType, ev.Call.BuyerEmail)
	})
	callingClient.Emitter.On(string(calling.ClientEventPendingRemoved), func(data interface{}) {
		entry := data.(calling.PendingCall)
		fmt.Printf("  RESOLVED  %s\n", entry.Record.RoomName)
	})
	callingClient.Emitter.On(string(calling.ClientEventSignalingDown), func(interface{}) {
		fmt.Println("  signaling DOWN, falling back to polling")
	})
	callingClient.Emitter.On(string(calling.ClientEventSignalingUp), func(interface{}) {
		fmt.Println("  signaling UP")
	})

	fmt.Println("[3/3] Listening for notifications, Ctrl+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
}
