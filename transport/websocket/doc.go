// Package websocket manages the gateway's single WebSocket session with the
// Polaris bot platform.
//
// The package implements:
//   - Connection lifecycle (connect, init handshake, heartbeat, reconnect)
//   - Readiness waiting for HTTP handlers
//   - Ordered writes shared by many concurrent callers
//   - Routing of inbound frames to the pending-request ledger
//
// Architecture:
//
// A Manager owns at most one live session. Run drives a reconnect loop: it
// dials the platform, sends the init envelope, and then runs two goroutines
// per connection. The read pump hands every inbound frame to the ledger; the
// write pump is the only writer on the connection and also emits the ping
// envelope on every heartbeat tick.
//
// When the connection fails the session is discarded, every pending request
// is rejected with ledger.ErrConnectionLost, and a new session is dialled
// after a fixed delay. There is no backoff growth and no retry limit.
//
// State Machine:
//
//	disconnected -> connecting -> open -> disconnected -> ...
//
// Usage:
//
//	mgr := websocket.NewManager(websocket.Options{
//		URL:       "wss://polaris.example/ws",
//		Platform:  "rest",
//		Builder:   envelope.NewBuilder(envelope.DefaultIdentity("rest")),
//		BotConfig: cfg,
//	}, ledger.New())
//	go mgr.Run(ctx)
//
//	if err := mgr.AwaitReady(ctx); err != nil {
//		// websocket.ErrSessionUnavailable
//	}
//	pending, err := mgr.Request(ctx, builder.Message("42", "hi", "", nil))
//	reply, err := pending.Wait(ctx)
//
// Concurrency:
//
// Request enqueues its ledger entry and queues its frame under one lock, so
// the order of ledger entries always matches the order of frames on the
// wire. AwaitReady blocks on a channel closed by the next open transition
// rather than polling.
package websocket
