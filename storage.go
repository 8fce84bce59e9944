package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RequestStore is the durable ledger of deliberation requests: one JSON
// file per request under dir. It is a passive ledger; it records lifecycle
// state but does not enforce the single-active-request convention.
// States move pending -> processing -> completed|error and never regress.
type RequestStore struct {
	mu  sync.Mutex
	dir string
	cap int
}

var statusRank = map[string]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusError:      2,
}

// NewRequestStore creates a store rooted at dir keeping at most cap
// requests (FIFO eviction of the oldest on insert).
func NewRequestStore(dir string, cap int) *RequestStore {
	return &RequestStore{dir: dir, cap: cap}
}

func (s *RequestStore) ensureDir() error {
	return os.MkdirAll(s.dir, 0755)
}

func (s *RequestStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists a new request in the pending state and evicts the oldest
// records beyond the retention cap.
func (s *RequestStore) Save(id, query, tier string) (*PersistedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	now := time.Now().UnixMilli()
	request := &PersistedRequest{
		ID:        id,
		Query:     query,
		Tier:      tier,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.write(request); err != nil {
		return nil, err
	}

	if err := s.evictOldest(); err != nil {
		return nil, err
	}

	return request, nil
}

// write marshals and writes one record. Caller holds s.mu.
func (s *RequestStore) write(request *PersistedRequest) error {
	data, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := os.WriteFile(s.path(request.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write request file: %w", err)
	}
	return nil
}

// load reads one record, returning nil without error when absent.
// Caller holds s.mu.
func (s *RequestStore) load(id string) (*PersistedRequest, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}

	var request PersistedRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to parse request JSON: %w", err)
	}
	return &request, nil
}

// transition moves a request to a new status, refusing regressions.
// Caller holds s.mu.
func (s *RequestStore) transition(id, status string, mutate func(*PersistedRequest)) error {
	request, err := s.load(id)
	if err != nil {
		return err
	}
	if request == nil {
		return fmt.Errorf("request %s not found", id)
	}

	if statusRank[status] < statusRank[request.Status] {
		return fmt.Errorf("cannot move request %s from %s to %s", id, request.Status, status)
	}
	if statusRank[request.Status] == statusRank[StatusCompleted] {
		// Terminal states are final, including error -> completed.
		return fmt.Errorf("request %s already terminal (%s)", id, request.Status)
	}

	request.Status = status
	if mutate != nil {
		mutate(request)
	}
	request.UpdatedAt = time.Now().UnixMilli()

	return s.write(request)
}

// MarkProcessing moves a pending request to processing.
func (s *RequestStore) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusProcessing, nil)
}

// Complete records the terminal result of a successful deliberation.
func (s *RequestStore) Complete(id string, result *CouncilResult, duration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusCompleted, func(r *PersistedRequest) {
		r.Stage1 = result.Stage1
		r.Stage2 = result.Stage2
		r.Stage3 = result.Stage3
		r.Metadata = result.Metadata
		r.Duration = duration
	})
}

// Fail records a terminal error.
func (s *RequestStore) Fail(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusError, func(r *PersistedRequest) {
		r.Error = errMsg
	})
}

// Get returns a request by id, or nil without error when it does not exist.
func (s *RequestStore) Get(id string) (*PersistedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// loadAll reads every record, skipping unreadable files. Caller holds s.mu.
func (s *RequestStore) loadAll() ([]*PersistedRequest, error) {
	if err := s.ensureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var requests []*PersistedRequest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		request, err := s.load(id)
		if err != nil || request == nil {
			continue
		}
		requests = append(requests, request)
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt > requests[j].CreatedAt
	})

	return requests, nil
}

// ListRecent returns summaries of the most recent requests, newest first.
func (s *RequestStore) ListRecent(limit int) ([]RequestSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	summaries := make([]RequestSummary, 0, limit)
	for _, r := range requests {
		if len(summaries) >= limit {
			break
		}
		summaries = append(summaries, RequestSummary{
			ID:        r.ID,
			Query:     r.Query,
			Tier:      r.Tier,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			Duration:  r.Duration,
		})
	}

	return summaries, nil
}

// GetActive returns the most recent pending or processing request, or nil.
func (s *RequestStore) GetActive() (*PersistedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requests, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	for _, r := range requests {
		if r.Status == StatusPending || r.Status == StatusProcessing {
			return r, nil
		}
	}
	return nil, nil
}

// Delete removes a request. Reports whether it existed.
func (s *RequestStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete request: %w", err)
	}
	return true, nil
}

// evictOldest deletes records beyond the retention cap, oldest first.
// Caller holds s.mu.
func (s *RequestStore) evictOldest() error {
	requests, err := s.loadAll()
	if err != nil {
		return err
	}

	for i := s.cap; i < len(requests); i++ {
		if err := os.Remove(s.path(requests[i].ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to evict request %s: %w", requests[i].ID, err)
		}
	}
	return nil
}
