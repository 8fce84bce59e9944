package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Transport-level errors surfaced by the bridge.
var (
	ErrNoAgent           = errors.New("no agent connected")
	ErrAgentDisconnected = errors.New("agent disconnected")
	ErrTimeout           = errors.New("request timed out")
)

type dispatchOutcome struct {
	result *CouncilResult
	err    error
}

type proxyOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingWaiter correlates an in-flight council request with its caller.
// Owned exclusively by the bridge; created on dispatch and removed on
// resolution, rejection or timeout, whichever occurs first, exactly once.
// Removal from the map is the commit point: whoever takes the waiter out
// owns its resolution.
type pendingWaiter struct {
	requestID string
	outcome   chan dispatchOutcome
	deadline  time.Time
}

// Bridge turns a stateless HTTP request into a correlated, timeout-bounded
// exchange over the single persistent agent connection. Council requests and
// proxy requests use disjoint waiter maps so a flood of deliberations cannot
// starve proxy bookkeeping.
type Bridge struct {
	registry *Registry

	mu      sync.Mutex
	pending map[string]*pendingWaiter
	proxies map[string]chan proxyOutcome
}

// NewBridge creates a bridge over the given connection registry.
func NewBridge(registry *Registry) *Bridge {
	return &Bridge{
		registry: registry,
		pending:  make(map[string]*pendingWaiter),
		proxies:  make(map[string]chan proxyOutcome),
	}
}

// Dispatch forwards a council request to the agent and blocks until the
// matching council_response arrives, the timeout elapses, the agent
// disconnects, or ctx is cancelled. Rejects with ErrNoAgent before creating
// any waiter when no connection is registered. The timeout is clamped to
// [DefaultRequestTimeout if unset, MaxRequestTimeout].
func (b *Bridge) Dispatch(ctx context.Context, requestID, query, tier string, timeout time.Duration) (*CouncilResult, error) {
	conn := b.registry.Current()
	if conn == nil {
		return nil, ErrNoAgent
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if timeout > MaxRequestTimeout {
		timeout = MaxRequestTimeout
	}

	waiter := &pendingWaiter{
		requestID: requestID,
		outcome:   make(chan dispatchOutcome, 1),
		deadline:  time.Now().Add(timeout),
	}

	b.mu.Lock()
	b.pending[requestID] = waiter
	b.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{
		"requestId": requestID,
		"query":     query,
		"tier":      tier,
		"timestamp": time.Now().UnixMilli(),
	})
	envelope, _ := json.Marshal(WSMessage{Type: "council_request", Payload: payload})

	if err := conn.Send(envelope); err != nil {
		b.takeWaiter(requestID)
		return nil, fmt.Errorf("failed to send to agent: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-waiter.outcome:
		return out.result, out.err
	case <-timer.C:
		if b.takeWaiter(requestID) != nil {
			return nil, fmt.Errorf("%w after %dms", ErrTimeout, timeout.Milliseconds())
		}
		// A resolver won the race for the waiter and is committed to
		// delivering; the channel is buffered.
		out := <-waiter.outcome
		return out.result, out.err
	case <-ctx.Done():
		if b.takeWaiter(requestID) != nil {
			return nil, ctx.Err()
		}
		out := <-waiter.outcome
		return out.result, out.err
	}
}

// Resolve completes the waiter registered for requestID with the agent's
// response. A response for an unknown or already-resolved id is dropped:
// this defends against duplicate or late delivery after a timeout.
func (b *Bridge) Resolve(requestID string, result *CouncilResult) {
	waiter := b.takeWaiter(requestID)
	if waiter == nil {
		log.Printf("[Bridge] No pending request for id %s, dropping response", requestID)
		return
	}
	waiter.outcome <- dispatchOutcome{result: result}
}

func (b *Bridge) takeWaiter(requestID string) *pendingWaiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiter := b.pending[requestID]
	delete(b.pending, requestID)
	return waiter
}

// ProxyDispatch sends a non-deliberation request (history, auth status) over
// the same connection and waits on the short fixed proxy timeout.
func (b *Bridge) ProxyDispatch(ctx context.Context, msgType, requestID string, payload interface{}) (json.RawMessage, error) {
	conn := b.registry.Current()
	if conn == nil {
		return nil, ErrNoAgent
	}

	outcome := make(chan proxyOutcome, 1)
	b.mu.Lock()
	b.proxies[requestID] = outcome
	b.mu.Unlock()

	msg := map[string]interface{}{
		"type":      msgType,
		"requestId": requestID,
	}
	if payload != nil {
		msg["payload"] = payload
	}
	envelope, _ := json.Marshal(msg)

	if err := conn.Send(envelope); err != nil {
		b.takeProxy(requestID)
		return nil, fmt.Errorf("failed to send to agent: %w", err)
	}

	timer := time.NewTimer(ProxyRequestTimeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		return out.payload, out.err
	case <-timer.C:
		if b.takeProxy(requestID) != nil {
			return nil, fmt.Errorf("%w after %dms", ErrTimeout, ProxyRequestTimeout.Milliseconds())
		}
		out := <-outcome
		return out.payload, out.err
	case <-ctx.Done():
		if b.takeProxy(requestID) != nil {
			return nil, ctx.Err()
		}
		out := <-outcome
		return out.payload, out.err
	}
}

// ResolveProxy completes a proxy waiter. Unknown ids are dropped.
func (b *Bridge) ResolveProxy(requestID string, payload json.RawMessage) {
	outcome := b.takeProxy(requestID)
	if outcome == nil {
		log.Printf("[Bridge] No pending proxy request for id %s, dropping response", requestID)
		return
	}
	outcome <- proxyOutcome{payload: payload}
}

func (b *Bridge) takeProxy(requestID string) chan proxyOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	outcome := b.proxies[requestID]
	delete(b.proxies, requestID)
	return outcome
}

// RejectAll rejects every outstanding waiter in both lanes. Called on agent
// disconnect or supersede; no partial results are synthesized.
func (b *Bridge) RejectAll(err error) {
	b.mu.Lock()
	pending := b.pending
	proxies := b.proxies
	b.pending = make(map[string]*pendingWaiter)
	b.proxies = make(map[string]chan proxyOutcome)
	b.mu.Unlock()

	for _, waiter := range pending {
		waiter.outcome <- dispatchOutcome{err: err}
	}
	for _, outcome := range proxies {
		outcome <- proxyOutcome{err: err}
	}

	if len(pending) > 0 || len(proxies) > 0 {
		log.Printf("[Bridge] Rejected %d pending and %d proxy requests: %v", len(pending), len(proxies), err)
	}
}

// PendingCount reports outstanding council waiters.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ProxyPendingCount reports outstanding proxy waiters.
func (b *Bridge) ProxyPendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.proxies)
}
