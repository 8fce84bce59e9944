package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestQueryModelSuccess(t *testing.T) {
	var gotAuth, gotModel string
	var gotMessages []ChatMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Malformed request body: %v", err)
		}
		gotModel = req.Model
		gotMessages = req.Messages

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello from the model"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenRouterClient("test-key", srv.URL)
	text, err := client.QueryModel(context.Background(), "openai/gpt-5.1", []ChatMessage{{Role: "user", Content: "hi"}}, 5*time.Second)
	if err != nil {
		t.Fatalf("QueryModel failed: %v", err)
	}
	if text != "hello from the model" {
		t.Errorf("Text = %q", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotModel != "openai/gpt-5.1" {
		t.Errorf("Model = %q", gotModel)
	}
	if len(gotMessages) != 1 || gotMessages[0].Role != "user" || gotMessages[0].Content != "hi" {
		t.Errorf("Messages = %+v", gotMessages)
	}
}

func TestQueryModelAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client := NewOpenRouterClient("test-key", srv.URL)
	_, err := client.QueryModel(context.Background(), "m", nil, 5*time.Second)
	if err == nil {
		t.Fatal("Expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("Error %q should mention the status code", err)
	}
}

func TestQueryModelMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	client := NewOpenRouterClient("test-key", srv.URL)
	_, err := client.QueryModel(context.Background(), "m", nil, 5*time.Second)
	if err == nil {
		t.Fatal("Expected error for malformed response")
	}
}

func TestQueryModelNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewOpenRouterClient("test-key", srv.URL)
	_, err := client.QueryModel(context.Background(), "m", nil, 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Fatalf("Expected no-choices error, got %v", err)
	}
}

func TestQueryModelContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	client := NewOpenRouterClient("test-key", srv.URL)
	_, err := client.QueryModel(ctx, "m", nil, 10*time.Second)
	if err == nil {
		t.Fatal("Expected error after context cancellation")
	}
}
