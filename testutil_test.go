package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "council-server-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// fakeModelClient is a scripted ModelClient. It recognizes the stage a call
// belongs to from the prompt it receives: stage-2 prompts carry the ranking
// instructions, stage-3 prompts the chairman preamble, everything else is a
// stage-1 generation.
type fakeModelClient struct {
	mu sync.Mutex

	stage1     map[string]string
	stage1Errs map[string]string
	stage2     map[string]string
	stage2Errs map[string]string
	stage3     string
	stage3Err  string

	delay time.Duration
	calls []string
}

func (f *fakeModelClient) QueryModel(ctx context.Context, model string, messages []ChatMessage, timeout time.Duration) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	prompt := messages[len(messages)-1].Content

	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()

	switch {
	case strings.Contains(prompt, "Chairman of an LLM Council"):
		if f.stage3Err != "" {
			return "", fmt.Errorf("%s", f.stage3Err)
		}
		return f.stage3, nil
	case strings.Contains(prompt, "FINAL RANKING"):
		if msg, ok := f.stage2Errs[model]; ok {
			return "", fmt.Errorf("%s", msg)
		}
		return f.stage2[model], nil
	default:
		if msg, ok := f.stage1Errs[model]; ok {
			return "", fmt.Errorf("%s", msg)
		}
		return f.stage1[model], nil
	}
}

func (f *fakeModelClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// collectEvents drains a subscription into a slice until the channel closes
// or the timeout elapses.
func collectEvents(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()

	var collected []Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, evt)
		case <-deadline:
			return collected
		}
	}
}

// testCouncil is a three-member council used across orchestrator tests.
var testCouncil = []ModelRef{
	{ModelID: "m1", ModelName: "Model One"},
	{ModelID: "m2", ModelName: "Model Two"},
	{ModelID: "m3", ModelName: "Model Three"},
}

var testChairman = ModelRef{ModelID: "chair", ModelName: "Chairman"}
