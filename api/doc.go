// Package api provides the HTTP surface of the Polaris gateway.
//
// The api package implements:
//   - Query-string driven endpoints that translate into platform envelopes
//   - Request/response correlation for the message endpoint
//   - Operational endpoints (health, session status, metrics)
//
// Endpoints:
//
// Platform Operations (all GET):
//   - /message?chatId=&content=&type=&extra= - send and wait for the reply
//   - /broadcast?chatId=&content=&type=&extra=&target= - fire-and-forget, returns the envelope
//   - /redirect - as /broadcast, tagged "redirect"
//   - /?userId=&content=&personality=&type=&extra=&silent - notify, returns {"success":true}
//
// Operations:
//   - GET /health - liveness
//   - GET /status - platform session snapshot
//   - GET /metrics - Prometheus exposition
//
// Parameters:
//
// chatId, userId, personality and target fall back to configured defaults.
// extra is a JSON object ({"format":"HTML"}) or bracket pairs
// (extra[format]=HTML); when absent it is {"format":"Markdown"}.
//
// Error Handling:
//
// Missing parameters are answered with status 200 and an error body, which
// existing callers rely on:
//
//	{
//	  "error": "Missing parameters",
//	  "message": "Missing required parameters 'chatId' or 'content'"
//	}
//
// A platform session that does not become ready in time, or that drops while
// a message waits for its reply, is answered with 503.
package api
