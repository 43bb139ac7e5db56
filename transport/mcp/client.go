package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Client is a thin MCP client that proxies to the gateway REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API. The HTTP
// timeout must outlast the gateway's ready timeout, since every call may wait
// for the platform session.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Polaris Gateway",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Polaris Gateway - MCP Interface

This is a thin client that proxies all requests to the gateway REST API,
which relays them over a single WebSocket session to the Polaris bot platform.

AVAILABLE TOOLS:
- send_message: Send a message to a chat and wait for the bot's reply
- broadcast: Fan a message out to platform adapters (fire-and-forget)
- redirect: Like broadcast, tagged as a redirect
- notify: Send a notification to a user through a bot personality
- gateway_status: Inspect the platform session (state, pending replies, reconnects)

NOTE: Replies to send_message are matched in order. If the platform session
drops while you wait, the call fails and can be retried.`),
	)

	c.registerTools()
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func messageProps() map[string]interface{} {
	return map[string]interface{}{
		"chat_id": stringProp("Conversation ID (optional when the gateway has a default chat)"),
		"content": stringProp("Message content"),
		"type":    stringProp("Content type (default: text)"),
		"extra": map[string]interface{}{
			"type":        "object",
			"description": `Extra options passed to the platform (default: {"format":"Markdown"})`,
		},
	}
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to a chat and return the bot's reply",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: messageProps(),
			Required:   []string{"content"},
		},
	}, c.handleSendMessage)

	broadcastProps := messageProps()
	broadcastProps["target"] = stringProp("Adapter to deliver to (default: all)")

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "broadcast",
		Description: "Broadcast a message to platform adapters without waiting for a reply",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: broadcastProps,
			Required:   []string{"content"},
		},
	}, c.handleBroadcast)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "redirect",
		Description: "Redirect a message to platform adapters without waiting for a reply",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: broadcastProps,
			Required:   []string{"content"},
		},
	}, c.handleRedirect)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "notify",
		Description: "Send a notification to a user through a bot personality",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id":     stringProp("User ID (optional when the gateway has a default user)"),
				"content":     stringProp("Notification content"),
				"personality": stringProp("Bot personality (default: polaris)"),
				"type":        stringProp("Content type (default: text)"),
				"silent": map[string]interface{}{
					"type":        "boolean",
					"description": "Deliver without sound",
				},
				"extra": map[string]interface{}{
					"type":        "object",
					"description": "Extra options passed to the platform",
				},
			},
			Required: []string{"content"},
		},
	}, c.handleNotify)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "gateway_status",
		Description: "Get the platform session status",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleStatus)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

// apiError is the gateway's error body. Validation failures arrive with
// status 200 and always carry a message.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) String() string {
	if e.Message == "" {
		return e.Error
	}
	return fmt.Sprintf("%s: %s", e.Error, e.Message)
}

func (c *Client) apiCall(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if errResp, ok := parseAPIError(body); ok && (resp.StatusCode >= 400 || errResp.Message != "") {
		return nil, fmt.Errorf("%s", errResp.String())
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %d", resp.StatusCode)
	}

	return body, nil
}

// parseAPIError recognizes the gateway's own error body: an object holding
// only string "error" and "message" fields. Platform frames relayed by
// /message may carry an "error" field of their own and are not matched.
func parseAPIError(body []byte) (apiError, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return apiError{}, false
	}
	for key := range fields {
		if key != "error" && key != "message" {
			return apiError{}, false
		}
	}

	var errResp apiError
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return apiError{}, false
	}
	return errResp, true
}

// messageQuery maps tool arguments onto gateway query parameters.
func messageQuery(args map[string]interface{}, idArg, idParam string) (url.Values, error) {
	q := url.Values{}
	if v, _ := args[idArg].(string); v != "" {
		q.Set(idParam, v)
	}
	if v, _ := args["content"].(string); v != "" {
		q.Set("content", v)
	}
	if v, _ := args["type"].(string); v != "" {
		q.Set("type", v)
	}
	if extra, ok := args["extra"]; ok && extra != nil {
		data, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("invalid extra: %w", err)
		}
		q.Set("extra", string(data))
	}
	return q, nil
}

// Tool handlers

func (c *Client) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	q, err := messageQuery(args, "chat_id", "chatId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	reply, err := c.apiCall(ctx, "/message", q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatReply(reply)), nil
}

func (c *Client) handleBroadcast(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.fanOut(ctx, request, "/broadcast")
}

func (c *Client) handleRedirect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.fanOut(ctx, request, "/redirect")
}

func (c *Client) fanOut(ctx context.Context, request mcp.CallToolRequest, path string) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	q, err := messageQuery(args, "chat_id", "chatId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if target, _ := args["target"].(string); target != "" {
		q.Set("target", target)
	}

	sent, err := c.apiCall(ctx, path, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var env struct {
		Type    string `json:"type"`
		Target  string `json:"target"`
		Message struct {
			Conversation struct {
				ID string `json:"id"`
			} `json:"conversation"`
		} `json:"message"`
	}
	json.Unmarshal(sent, &env)

	result := fmt.Sprintf("Sent %s to %s (chat %s)\n\n%s", env.Type, env.Target, env.Message.Conversation.ID, sent)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleNotify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	q, err := messageQuery(args, "user_id", "userId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if personality, _ := args["personality"].(string); personality != "" {
		q.Set("personality", personality)
	}
	if silent, ok := args["silent"].(bool); ok {
		q.Set("silent", fmt.Sprintf("%t", silent))
	}

	if _, err := c.apiCall(ctx, "/", q); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText("Notification sent"), nil
}

func (c *Client) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := c.apiCall(ctx, "/status", nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var status struct {
		State         string     `json:"state"`
		SessionID     string     `json:"sessionId"`
		ConnectedAt   *time.Time `json:"connectedAt"`
		LastHeartbeat *time.Time `json:"lastHeartbeat"`
		Pending       int        `json:"pending"`
		OldestPending *time.Time `json:"oldestPending"`
		Reconnects    int        `json:"reconnects"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status response: %v", err)), nil
	}

	return mcp.NewToolResultText(formatStatus(status.State, status.SessionID, status.ConnectedAt, status.LastHeartbeat, status.Pending, status.OldestPending, status.Reconnects)), nil
}

func formatReply(reply json.RawMessage) string {
	var frame struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if json.Unmarshal(reply, &frame) == nil && frame.Message.Content != "" {
		return fmt.Sprintf("Reply: %s\n\nRaw frame:\n%s", frame.Message.Content, reply)
	}
	return fmt.Sprintf("Raw frame:\n%s", reply)
}

func formatStatus(state, sessionID string, connectedAt, lastHeartbeat *time.Time, pending int, oldestPending *time.Time, reconnects int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", state)
	if sessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", sessionID)
	}
	if connectedAt != nil {
		fmt.Fprintf(&b, "Connected: %s\n", connectedAt.Format(time.RFC3339))
	}
	if lastHeartbeat != nil {
		fmt.Fprintf(&b, "Last heartbeat: %s\n", lastHeartbeat.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Pending replies: %d\n", pending)
	if oldestPending != nil {
		fmt.Fprintf(&b, "Oldest pending: %s\n", oldestPending.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Reconnects: %d\n", reconnects)
	return b.String()
}
