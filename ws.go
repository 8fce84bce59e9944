package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The agent connects from a browser-extension origin; origin policy is
	// enforced by the CORS layer on the HTTP surface, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const sendQueueSize = 256

// agentConn is one live connection to the remote execution agent. All
// outbound writes are serialized through the send channel and a single
// writer pump, so concurrent dispatches never interleave frames.
type agentConn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(ws *websocket.Conn) *agentConn {
	return &agentConn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send queues one message for the writer pump. Fails once the connection is
// closed or the queue is full.
func (c *agentConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errors.New("agent connection closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errors.New("agent connection closed")
	}
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// writePump forwards queued messages to the socket until the connection dies.
func (c *agentConn) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Registry tracks the single live agent connection. Registering a new
// connection atomically revokes the old one, so the bridge never has to
// choose between two live targets.
type Registry struct {
	mu      sync.Mutex
	current *agentConn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs conn as the single live connection and returns the
// connection it displaced, if any.
func (r *Registry) Register(conn *agentConn) *agentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current
	r.current = conn
	return old
}

// Unregister clears conn only if it still owns the registration. Returns
// false when a newer connection has already superseded it.
func (r *Registry) Unregister(conn *agentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != conn {
		return false
	}
	r.current = nil
	return true
}

// Current returns the live connection, or nil.
func (r *Registry) Current() *agentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Connected reports whether an agent connection is registered.
func (r *Registry) Connected() bool {
	return r.Current() != nil
}

// wsHandler upgrades GET /ws and owns the connection for its lifetime.
// GET /ws - WebSocket endpoint for the extension agent.
func (s *CouncilServer) wsHandler(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	conn := newAgentConn(ws)
	if old := s.registry.Register(conn); old != nil {
		// A new agent supersedes the previous one. Its in-flight requests
		// can never be answered, so reject them now.
		log.Println("[WS] New agent connection superseding existing one")
		old.close()
		s.bridge.RejectAll(ErrAgentDisconnected)
	}
	log.Println("[WS] Agent connected")

	go conn.writePump()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.handleAgentMessage(conn, data)
	}

	// Cleanup runs only if this connection still owns the registration; a
	// superseded connection's teardown must not disturb its successor.
	if s.registry.Unregister(conn) {
		s.bridge.RejectAll(ErrAgentDisconnected)
		log.Println("[WS] Agent disconnected")
	}
	conn.close()
}

// handleAgentMessage dispatches one inbound envelope from the agent.
func (s *CouncilServer) handleAgentMessage(conn *agentConn, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[WS] Failed to parse agent message: %v", err)
		return
	}

	switch msg.Type {
	case "extension_ready":
		log.Println("[WS] Agent ready")
	case "ping":
		if err := conn.Send([]byte(`{"type":"pong"}`)); err != nil {
			log.Printf("[WS] Failed to send pong: %v", err)
		}
	case "pong":
		// Heartbeat response, ignore
	case "council_response":
		s.handleCouncilResponse(msg)
	case "council_progress":
		s.handleCouncilProgress(msg)
	case "auth_status", "history_list", "conversation_data", "delete_result":
		s.bridge.ResolveProxy(msg.RequestID, msg.Payload)
	default:
		log.Printf("[WS] Unknown message type: %s", msg.Type)
	}
}

// handleCouncilResponse resolves the waiter for a terminal council payload.
// The request id lives inside the payload, not on the envelope.
func (s *CouncilServer) handleCouncilResponse(msg WSMessage) {
	if len(msg.Payload) == 0 {
		log.Println("[WS] Council response missing payload")
		return
	}

	var result CouncilResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		log.Printf("[WS] Failed to parse council response: %v", err)
		return
	}
	if result.RequestID == "" {
		log.Println("[WS] Council response payload missing requestId")
		return
	}

	s.bridge.Resolve(result.RequestID, &result)
}

// handleCouncilProgress relays a per-stage progress event from the agent
// onto the event bus so SSE subscribers see remote deliberations too.
func (s *CouncilServer) handleCouncilProgress(msg WSMessage) {
	if len(msg.Payload) == 0 {
		return
	}

	var evt struct {
		RequestID string           `json:"requestId"`
		Type      string           `json:"type"`
		Data      json.RawMessage  `json:"data"`
		Metadata  *CouncilMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		log.Printf("[WS] Failed to parse progress event: %v", err)
		return
	}
	if evt.RequestID == "" || evt.Type == "" {
		return
	}

	s.bus.Publish(Event{
		Type:      evt.Type,
		RequestID: evt.RequestID,
		Data:      evt.Data,
		Metadata:  evt.Metadata,
	})
}
