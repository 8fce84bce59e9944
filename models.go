package main

import "encoding/json"

// ModelRef identifies one participating council backend.
type ModelRef struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

// Stage1Response holds a single model's answer from Stage 1.
// Complete and Error distinguish "model errored" from "model never responded".
type Stage1Response struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	Text      string `json:"text,omitempty"`
	Complete  bool   `json:"complete"`
	Error     string `json:"error,omitempty"`
}

// Stage2Evaluation holds one evaluator's blind ranking of the Stage 1 responses.
// ParsedRanking is absent when the evaluator's output could not be parsed
// against the label set; such evaluations are kept for display but excluded
// from aggregation.
type Stage2Evaluation struct {
	EvaluatorModelID   string   `json:"evaluatorModelId"`
	EvaluatorModelName string   `json:"evaluatorModelName"`
	RawEvaluation      string   `json:"rawEvaluation,omitempty"`
	ParsedRanking      []string `json:"parsedRanking,omitempty"`
	Complete           bool     `json:"complete"`
	Error              string   `json:"error,omitempty"`
}

// Stage3Response is the chairman's synthesis.
type Stage3Response struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	Text      string `json:"text,omitempty"`
	Complete  bool   `json:"complete"`
	Error     string `json:"error,omitempty"`
}

// AggregateRanking is the averaged peer ranking for one model.
type AggregateRanking struct {
	ModelID       string  `json:"modelId"`
	ModelName     string  `json:"modelName"`
	AverageRank   float64 `json:"averageRank"`
	RankingsCount int     `json:"rankingsCount"`
}

// CouncilMetadata carries the anonymization map and the aggregate rankings.
type CouncilMetadata struct {
	LabelToModel      map[string]string  `json:"labelToModel"`
	AggregateRankings []AggregateRanking `json:"aggregateRankings"`
}

// CouncilResult is the terminal payload of one deliberation, whether it ran
// in-process or on the remote agent.
type CouncilResult struct {
	RequestID string             `json:"requestId"`
	Success   bool               `json:"success"`
	Stage1    []Stage1Response   `json:"stage1,omitempty"`
	Stage2    []Stage2Evaluation `json:"stage2,omitempty"`
	Stage3    *Stage3Response    `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata   `json:"metadata,omitempty"`
	Error     string             `json:"error,omitempty"`
	Duration  int64              `json:"duration,omitempty"`
}

// Event is one unit of deliberation progress, published to the event bus
// and delivered to SSE subscribers as an ordered, append-only log.
type Event struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	Data      interface{}      `json:"data,omitempty"`
	Metadata  *CouncilMetadata `json:"metadata,omitempty"`
}

// WSMessage is the typed envelope exchanged with the remote execution agent.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// === HTTP request/response types ===

// PromptRequest is the body of POST /prompt. Timeout is in milliseconds.
type PromptRequest struct {
	Query   string `json:"query"`
	Tier    string `json:"tier"`
	Timeout int64  `json:"timeout"`
}

// PromptResponse is the blocking response of POST /prompt.
type PromptResponse struct {
	Success   bool               `json:"success"`
	RequestID string             `json:"requestId,omitempty"`
	Stage1    []Stage1Response   `json:"stage1,omitempty"`
	Stage2    []Stage2Evaluation `json:"stage2,omitempty"`
	Stage3    *Stage3Response    `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata   `json:"metadata,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"errorCode,omitempty"`
	Duration  int64              `json:"duration,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	ExtensionConnected bool   `json:"extensionConnected"`
	Uptime             int64  `json:"uptime"`
}

// LLMAuthStatus reports which providers the agent is signed in to.
type LLMAuthStatus struct {
	ChatGPT   bool  `json:"chatgpt"`
	Claude    bool  `json:"claude"`
	Gemini    bool  `json:"gemini"`
	XAI       bool  `json:"xai"`
	Timestamp int64 `json:"timestamp"`
}

// AuthStatusResponse is the body of GET /auth-status.
type AuthStatusResponse struct {
	Success            bool           `json:"success"`
	Status             *LLMAuthStatus `json:"status,omitempty"`
	ExtensionConnected bool           `json:"extensionConnected"`
	Error              string         `json:"error,omitempty"`
}

// === Persistence types ===

// Request lifecycle states. Monotonic: pending -> processing -> completed|error.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// PersistedRequest is the durable record of one deliberation request.
type PersistedRequest struct {
	ID        string             `json:"id"`
	Query     string             `json:"query"`
	Tier      string             `json:"tier"`
	Status    string             `json:"status"`
	Stage1    []Stage1Response   `json:"stage1,omitempty"`
	Stage2    []Stage2Evaluation `json:"stage2,omitempty"`
	Stage3    *Stage3Response    `json:"stage3,omitempty"`
	Metadata  *CouncilMetadata   `json:"metadata,omitempty"`
	Error     string             `json:"error,omitempty"`
	Duration  int64              `json:"duration,omitempty"`
	CreatedAt int64              `json:"createdAt"`
	UpdatedAt int64              `json:"updatedAt"`
}

// RequestSummary is the list-endpoint view of a persisted request.
type RequestSummary struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	Tier      string `json:"tier"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	Duration  int64  `json:"duration,omitempty"`
}

// Error codes returned to HTTP callers.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNoExtension    = "NO_EXTENSION"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeCouncilError   = "COUNCIL_ERROR"
	ErrCodeServerError    = "SERVER_ERROR"
)
