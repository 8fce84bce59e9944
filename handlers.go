package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CouncilServer wires the transport surface to the bridge, the in-process
// engine, the event bus and the request store.
type CouncilServer struct {
	startTime time.Time
	registry  *Registry
	bridge    *Bridge
	bus       *EventBus
	store     *RequestStore

	// client is nil when no OpenRouter key is configured; the server is
	// then bridge-only.
	client ModelClient
}

// NewCouncilServer assembles a server around the given store and optional
// model client.
func NewCouncilServer(store *RequestStore, client ModelClient) *CouncilServer {
	registry := NewRegistry()
	return &CouncilServer{
		startTime: time.Now(),
		registry:  registry,
		bridge:    NewBridge(registry),
		bus:       NewEventBus(),
		store:     store,
		client:    client,
	}
}

func (s *CouncilServer) uptimeMillis() int64 {
	return time.Since(s.startTime).Milliseconds()
}

// indexHandler serves a plain status page.
// GET / - Lists the API surface and the agent connection state.
func (s *CouncilServer) indexHandler(c *gin.Context) {
	connected := "Disconnected"
	if s.registry.Connected() {
		connected = "Connected"
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Council Server</title></head>
<body>
	<h1>Council Server</h1>
	<p>Agent: <strong>%s</strong> | Uptime: %d seconds</p>
	<h2>API Endpoints</h2>
	<ul>
		<li><code>GET /health</code> - Health check</li>
		<li><code>POST /prompt</code> - Submit council query</li>
		<li><code>GET /events/:id</code> - SSE progress stream for a request</li>
		<li><code>GET /auth-status</code> - Get LLM auth status</li>
		<li><code>GET /requests</code> - List recent requests</li>
		<li><code>GET /requests/:id</code> - Get request by ID</li>
		<li><code>DELETE /requests/:id</code> - Delete request</li>
		<li><code>GET /active-request</code> - Get current pending request</li>
		<li><code>GET /conversations</code> - List conversations (via agent)</li>
		<li><code>GET /conversations/:id</code> - Get conversation (via agent)</li>
		<li><code>DELETE /conversations/:id</code> - Delete conversation (via agent)</li>
		<li><code>POST /fetch-url</code> - Extract readable text from a URL</li>
		<li><code>WS /ws</code> - WebSocket for the extension agent</li>
	</ul>
</body>
</html>`, connected, s.uptimeMillis()/1000)

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// healthHandler returns service status.
// GET /health
func (s *CouncilServer) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:             "ok",
		ExtensionConnected: s.registry.Connected(),
		Uptime:             s.uptimeMillis(),
	})
}

func promptError(c *gin.Context, status int, message, code, requestID string) {
	c.JSON(status, PromptResponse{
		Success:   false,
		RequestID: requestID,
		Error:     message,
		ErrorCode: code,
	})
}

// promptHandler runs one full deliberation and blocks until its terminal
// result. Prefers the remote agent when one is connected; falls back to the
// in-process engine when an OpenRouter key is configured.
// POST /prompt - Body: {"query": "...", "tier": "mini|normal|pro", "timeout": ms}
func (s *CouncilServer) promptHandler(c *gin.Context) {
	var request PromptRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		promptError(c, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err), ErrCodeInvalidRequest, "")
		return
	}

	query := strings.TrimSpace(request.Query)
	if query == "" {
		promptError(c, http.StatusBadRequest, "Query is required", ErrCodeInvalidRequest, "")
		return
	}

	tier := request.Tier
	if tier == "" {
		tier = "normal"
	}

	useBridge := s.registry.Connected()
	if !useBridge && s.client == nil {
		promptError(c, http.StatusServiceUnavailable, "No agent connected", ErrCodeNoExtension, "")
		return
	}

	timeout := time.Duration(request.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if timeout > MaxRequestTimeout {
		timeout = MaxRequestTimeout
	}

	requestID := uuid.New().String()
	if _, err := s.store.Save(requestID, query, tier); err != nil {
		log.Printf("[Server] Failed to save request %s: %v", requestID, err)
	}
	if err := s.store.MarkProcessing(requestID); err != nil {
		log.Printf("[Server] Failed to mark request %s processing: %v", requestID, err)
	}

	start := time.Now()

	var result *CouncilResult
	var err error
	if useBridge {
		result, err = s.bridge.Dispatch(c.Request.Context(), requestID, query, tier, timeout)
	} else {
		result, err = s.runLocal(c.Request.Context(), requestID, query, tier, timeout)
	}
	duration := time.Since(start).Milliseconds()

	if err != nil {
		s.failRequest(c, requestID, err, timeout)
		return
	}

	if !result.Success {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "Unknown council error"
		}
		if dbErr := s.store.Fail(requestID, errMsg); dbErr != nil {
			log.Printf("[Server] Failed to record error for request %s: %v", requestID, dbErr)
		}
		promptError(c, http.StatusInternalServerError, errMsg, ErrCodeCouncilError, requestID)
		return
	}

	if dbErr := s.store.Complete(requestID, result, duration); dbErr != nil {
		log.Printf("[Server] Failed to record completion for request %s: %v", requestID, dbErr)
	}

	c.JSON(http.StatusOK, PromptResponse{
		Success:   true,
		RequestID: requestID,
		Stage1:    result.Stage1,
		Stage2:    result.Stage2,
		Stage3:    result.Stage3,
		Metadata:  result.Metadata,
		Duration:  duration,
	})
}

// runLocal executes the deliberation in-process under the request deadline.
func (s *CouncilServer) runLocal(ctx context.Context, requestID, query, tier string, timeout time.Duration) (*CouncilResult, error) {
	council, chairman := CouncilForTier(tier)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	orchestrator := NewOrchestrator(s.client, s.bus)
	result, err := orchestrator.Run(runCtx, requestID, query, council, chairman)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %dms", ErrTimeout, timeout.Milliseconds())
		}
		return nil, err
	}
	return result, nil
}

// failRequest maps a dispatch error to its HTTP status, always writing the
// terminal error to the store first.
func (s *CouncilServer) failRequest(c *gin.Context, requestID string, err error, timeout time.Duration) {
	if dbErr := s.store.Fail(requestID, err.Error()); dbErr != nil {
		log.Printf("[Server] Failed to record error for request %s: %v", requestID, dbErr)
	}

	switch {
	case errors.Is(err, ErrTimeout):
		promptError(c, http.StatusGatewayTimeout, fmt.Sprintf("Request timed out after %dms", timeout.Milliseconds()), ErrCodeTimeout, requestID)
	case errors.Is(err, ErrNoAgent):
		promptError(c, http.StatusServiceUnavailable, "No agent connected", ErrCodeNoExtension, requestID)
	case errors.Is(err, ErrAgentDisconnected):
		promptError(c, http.StatusInternalServerError, "Agent disconnected", ErrCodeCouncilError, requestID)
	case errors.Is(err, ErrAllMembersFailed):
		promptError(c, http.StatusInternalServerError, err.Error(), ErrCodeCouncilError, requestID)
	default:
		promptError(c, http.StatusInternalServerError, err.Error(), ErrCodeServerError, requestID)
	}
}

// eventsHandler streams a request's progress events over SSE until the
// deliberation reaches a terminal event or the client goes away.
// GET /events/:id
func (s *CouncilServer) eventsHandler(c *gin.Context) {
	requestID := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events, cancel := s.bus.Subscribe(requestID)
	defer cancel()

	c.Writer.Flush()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(c, evt)
		case <-c.Request.Context().Done():
			return
		}
	}
}

// sendSSEEvent writes one Server-Sent Event frame.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Server] Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// === Persisted requests ===

// listRequestsHandler returns summaries of recent requests.
// GET /requests
func (s *CouncilServer) listRequestsHandler(c *gin.Context) {
	summaries, err := s.store.ListRecent(MaxStoredRequests)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list requests: %v", err)})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// getRequestHandler returns one persisted request.
// GET /requests/:id
func (s *CouncilServer) getRequestHandler(c *gin.Context) {
	request, err := s.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get request: %v", err)})
		return
	}
	if request == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	c.JSON(http.StatusOK, request)
}

// deleteRequestHandler removes one persisted request.
// DELETE /requests/:id
func (s *CouncilServer) deleteRequestHandler(c *gin.Context) {
	deleted, err := s.store.Delete(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to delete request: %v", err)})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// activeRequestHandler returns the current pending/processing request, or null.
// GET /active-request
func (s *CouncilServer) activeRequestHandler(c *gin.Context) {
	request, err := s.store.GetActive()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to get active request: %v", err)})
		return
	}
	if request == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, request)
}

// === Conversations (proxied to the agent) ===

// proxyToAgent forwards one short-lane request and writes the raw payload
// back, mapping transport failures to 503/504.
func (s *CouncilServer) proxyToAgent(c *gin.Context, msgType string, payload interface{}) {
	if !s.registry.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Agent not connected"})
		return
	}

	requestID := uuid.New().String()
	data, err := s.bridge.ProxyDispatch(c.Request.Context(), msgType, requestID, payload)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": fmt.Sprintf("Timeout waiting for %s", msgType)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

// GET /conversations
func (s *CouncilServer) listConversationsHandler(c *gin.Context) {
	s.proxyToAgent(c, "get_history_list", nil)
}

// GET /conversations/:id
func (s *CouncilServer) getConversationHandler(c *gin.Context) {
	s.proxyToAgent(c, "get_conversation", gin.H{"id": c.Param("id")})
}

// DELETE /conversations/:id
func (s *CouncilServer) deleteConversationHandler(c *gin.Context) {
	s.proxyToAgent(c, "delete_conversation", gin.H{"id": c.Param("id")})
}

// authStatusHandler reports provider sign-in state, best effort: an
// unreachable agent degrades to all-false rather than failing the call.
// GET /auth-status
func (s *CouncilServer) authStatusHandler(c *gin.Context) {
	if !s.registry.Connected() {
		c.JSON(http.StatusOK, AuthStatusResponse{
			Success:            false,
			Status:             &LLMAuthStatus{Timestamp: time.Now().UnixMilli()},
			ExtensionConnected: false,
			Error:              "Agent not connected",
		})
		return
	}

	requestID := uuid.New().String()
	payload, err := s.bridge.ProxyDispatch(c.Request.Context(), "get_auth_status", requestID, nil)
	if err != nil {
		c.JSON(http.StatusOK, AuthStatusResponse{
			Success:            false,
			ExtensionConnected: true,
			Error:              err.Error(),
		})
		return
	}

	var status LLMAuthStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		c.JSON(http.StatusOK, AuthStatusResponse{
			Success:            false,
			ExtensionConnected: true,
			Error:              fmt.Sprintf("Failed to parse auth status: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, AuthStatusResponse{
		Success:            true,
		Status:             &status,
		ExtensionConnected: true,
	})
}

// fetchURLHandler extracts readable text from a URL so callers can inline
// web context into a council query.
// POST /fetch-url - Body: {"url": "https://..."}
func (s *CouncilServer) fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to fetch URL content: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"content": content})
}
