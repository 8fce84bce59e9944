package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatMessage is a single message in a chat-completions request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelClient issues a single generation call to one model. The orchestrator
// depends on this interface; tests substitute a scripted fake.
type ModelClient interface {
	QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error)
}

// OpenRouterClient is the production ModelClient, backed by the OpenRouter
// chat-completions API.
type OpenRouterClient struct {
	apiKey string
	apiURL string
}

// NewOpenRouterClient creates a client for the given API key and endpoint.
func NewOpenRouterClient(apiKey, apiURL string) *OpenRouterClient {
	return &OpenRouterClient{apiKey: apiKey, apiURL: apiURL}
}

type openRouterRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// QueryModel queries a single model with the given timeout and returns the
// text of the first choice.
func (c *OpenRouterClient) QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error) {
	client := &http.Client{
		Timeout: timeout,
	}

	payload := openRouterRequest{
		Model:    model,
		Messages: messages,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResponse openRouterResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return apiResponse.Choices[0].Message.Content, nil
}
