// Package mcp provides a Model Context Protocol server for the Polaris gateway.
//
// The mcp package implements:
//   - MCP server for AI agent integration
//   - Tool definitions that proxy to the gateway REST API
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//
// The package exposes the following tools for AI agents:
//   - send_message: GET /message, returns the platform reply
//   - broadcast: GET /broadcast, returns the envelope that was sent
//   - redirect: GET /redirect
//   - notify: GET /
//   - gateway_status: GET /status
//
// The client never talks to the platform directly. Every tool call goes
// through the REST API, so it shares the single platform session and its
// reply ordering with ordinary HTTP callers.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:3000", 45*time.Second)
//	server.ServeStdio(client.GetMCPServer())
package mcp
