package main

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

// TestParseRankingFromText tests the ranking parser with various formats
func TestParseRankingFromText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name: "standard format with FINAL RANKING",
			input: `Response A is good but lacks detail.
Response B provides comprehensive coverage.
Response C is accurate but brief.

FINAL RANKING:
1. Response B
2. Response A
3. Response C`,
			expected: []string{"Response B", "Response A", "Response C"},
		},
		{
			name: "format without numbered list",
			input: `FINAL RANKING:
Response C
Response A
Response B`,
			expected: []string{"Response C", "Response A", "Response B"},
		},
		{
			name: "format with extra whitespace",
			input: `FINAL RANKING:
1.  Response A
2.  Response B
3.  Response C`,
			expected: []string{"Response A", "Response B", "Response C"},
		},
		{
			name: "format with text after ranking section",
			input: `FINAL RANKING:
1. Response B
2. Response A
3. Response C

These are my rankings based on quality.`,
			expected: []string{"Response B", "Response A", "Response C"},
		},
		{
			name:     "no FINAL RANKING header - fallback",
			input:    `I think Response A is best, then Response C, then Response B.`,
			expected: []string{"Response A", "Response C", "Response B"},
		},
		{
			name:     "empty string",
			input:    "",
			expected: []string{},
		},
		{
			name: "FINAL RANKING with no responses",
			input: `FINAL RANKING:
No responses to rank.`,
			expected: []string{},
		},
		{
			name: "multiple occurrences - only from FINAL RANKING section",
			input: `Response A is mentioned here first.
Response B is also mentioned.

FINAL RANKING:
1. Response C
2. Response A`,
			expected: []string{"Response C", "Response A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseRankingFromText(tt.input)

			if len(result) != len(tt.expected) {
				t.Fatalf("Length mismatch: got %v, want %v", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("At index %d: got %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

// TestValidateRanking tests validation of a parsed ranking against the label set
func TestValidateRanking(t *testing.T) {
	labels := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
	}

	tests := []struct {
		name     string
		parsed   []string
		expected []string
	}{
		{
			name:     "valid ranking",
			parsed:   []string{"Response B", "Response A"},
			expected: []string{"Response B", "Response A"},
		},
		{
			name:     "unknown label fails the whole evaluation",
			parsed:   []string{"Response A", "Response Z"},
			expected: nil,
		},
		{
			name:     "duplicates collapse to first mention",
			parsed:   []string{"Response A", "Response A", "Response B"},
			expected: []string{"Response A", "Response B"},
		},
		{
			name:     "empty parse yields nil",
			parsed:   nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateRanking(tt.parsed, labels)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("validateRanking() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func makeEval(model string, ranking ...string) Stage2Evaluation {
	return Stage2Evaluation{
		EvaluatorModelID: model,
		ParsedRanking:    ranking,
		Complete:         true,
	}
}

// TestCalculateAggregateRankings tests averaging and the deterministic sort
func TestCalculateAggregateRankings(t *testing.T) {
	labels := map[string]string{
		"Response A": "m1",
		"Response B": "m2",
		"Response C": "m3",
	}

	t.Run("averages 1-based positions", func(t *testing.T) {
		evals := []Stage2Evaluation{
			makeEval("m1", "Response B", "Response A", "Response C"),
			makeEval("m2", "Response B", "Response C", "Response A"),
		}

		result := CalculateAggregateRankings(evals, labels, testCouncil)

		if len(result) != 3 {
			t.Fatalf("Expected 3 aggregate entries, got %d", len(result))
		}
		if result[0].ModelID != "m2" || result[0].AverageRank != 1.0 || result[0].RankingsCount != 2 {
			t.Errorf("First entry = %+v, want m2 with avg 1.0 count 2", result[0])
		}
	})

	t.Run("order independent", func(t *testing.T) {
		evals := []Stage2Evaluation{
			makeEval("m1", "Response B", "Response A"),
			makeEval("m2", "Response A", "Response B"),
			makeEval("m3", "Response C", "Response B", "Response A"),
		}

		base := CalculateAggregateRankings(evals, labels, testCouncil)
		for i := 0; i < 10; i++ {
			shuffled := append([]Stage2Evaluation(nil), evals...)
			rand.Shuffle(len(shuffled), func(a, b int) {
				shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
			})
			got := CalculateAggregateRankings(shuffled, labels, testCouncil)
			if !reflect.DeepEqual(got, base) {
				t.Fatalf("Permuted input produced different aggregate:\ngot  %+v\nwant %+v", got, base)
			}
		}
	})

	t.Run("subset rankings only contribute where present", func(t *testing.T) {
		evals := []Stage2Evaluation{
			makeEval("m1", "Response A"),
			makeEval("m2", "Response B", "Response A"),
		}

		result := CalculateAggregateRankings(evals, labels, testCouncil)

		byID := make(map[string]AggregateRanking)
		for _, r := range result {
			byID[r.ModelID] = r
		}

		if byID["m1"].RankingsCount != 2 || byID["m1"].AverageRank != 1.5 {
			t.Errorf("m1 = %+v, want avg 1.5 count 2", byID["m1"])
		}
		if byID["m2"].RankingsCount != 1 || byID["m2"].AverageRank != 1.0 {
			t.Errorf("m2 = %+v, want avg 1.0 count 1", byID["m2"])
		}
		if _, present := byID["m3"]; present {
			t.Error("m3 was never ranked and must be absent from the aggregate")
		}
	})

	t.Run("tie broken by modelId ascending", func(t *testing.T) {
		// M1 and M2 complete stage 1, M3 errors; evaluator m1 ranks
		// [m2,m1], evaluator m2 ranks [m1,m2]: both average 1.5 with
		// count 2, so m1 sorts first.
		twoLabels := map[string]string{"Response A": "m1", "Response B": "m2"}
		evals := []Stage2Evaluation{
			makeEval("m1", "Response B", "Response A"),
			makeEval("m2", "Response A", "Response B"),
		}

		for i := 0; i < 5; i++ {
			result := CalculateAggregateRankings(evals, twoLabels, testCouncil)
			if len(result) != 2 {
				t.Fatalf("Expected 2 entries, got %d", len(result))
			}
			if result[0].ModelID != "m1" || result[1].ModelID != "m2" {
				t.Fatalf("Tie-break order = [%s %s], want [m1 m2]", result[0].ModelID, result[1].ModelID)
			}
			if result[0].AverageRank != 1.5 || result[0].RankingsCount != 2 {
				t.Fatalf("m1 = %+v, want avg 1.5 count 2", result[0])
			}
		}
	})

	t.Run("more corroborating opinions wins on equal average", func(t *testing.T) {
		evals := []Stage2Evaluation{
			makeEval("m1", "Response A"),
			makeEval("m2", "Response A"),
			makeEval("m3", "Response B"),
		}

		result := CalculateAggregateRankings(evals, labels, testCouncil)

		if result[0].ModelID != "m1" {
			t.Errorf("Expected m1 (count 2) before m2 (count 1), got %s first", result[0].ModelID)
		}
	})

	t.Run("unparseable evaluations are excluded", func(t *testing.T) {
		evals := []Stage2Evaluation{
			makeEval("m1", "Response A", "Response B"),
			{EvaluatorModelID: "m2", RawEvaluation: "gibberish", Complete: true},
		}

		result := CalculateAggregateRankings(evals, labels, testCouncil)

		for _, r := range result {
			if r.RankingsCount != 1 {
				t.Errorf("%s count = %d, want 1", r.ModelID, r.RankingsCount)
			}
		}
	})
}

func rankingText(order ...string) string {
	text := "Evaluation of the responses.\n\nFINAL RANKING:\n"
	for i, label := range order {
		text += string(rune('1'+i)) + ". " + label + "\n"
	}
	return text
}

// TestOrchestratorRun tests the full three-stage pipeline with a scripted client
func TestOrchestratorRun(t *testing.T) {
	client := &fakeModelClient{
		stage1: map[string]string{
			"m1": "answer one",
			"m2": "answer two",
			"m3": "answer three",
		},
		stage2: map[string]string{
			"m1": rankingText("Response B", "Response A", "Response C"),
			"m2": rankingText("Response B", "Response C", "Response A"),
			"m3": rankingText("Response B", "Response A", "Response C"),
		},
		stage3: "synthesized answer",
	}

	bus := NewEventBus()
	events, cancel := bus.Subscribe("req-1")
	defer cancel()

	orchestrator := NewOrchestrator(client, bus)
	result, err := orchestrator.Run(context.Background(), "req-1", "what is the answer", testCouncil, testChairman)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Success {
		t.Error("Expected success")
	}
	if len(result.Stage1) != 3 {
		t.Errorf("Stage1 len = %d, want 3", len(result.Stage1))
	}
	for _, r := range result.Stage1 {
		if !r.Complete {
			t.Errorf("Stage1 response for %s not complete", r.ModelID)
		}
	}
	if len(result.Stage2) != 3 {
		t.Errorf("Stage2 len = %d, want 3", len(result.Stage2))
	}
	if result.Stage3 == nil || result.Stage3.Text != "synthesized answer" {
		t.Errorf("Stage3 = %+v, want synthesized answer", result.Stage3)
	}
	if result.Stage3.ModelID != "chair" {
		t.Errorf("Stage3 model = %s, want chair", result.Stage3.ModelID)
	}

	if len(result.Metadata.LabelToModel) != 3 {
		t.Errorf("LabelToModel len = %d, want 3", len(result.Metadata.LabelToModel))
	}
	if result.Metadata.AggregateRankings[0].ModelID != "m2" {
		t.Errorf("Top ranked = %s, want m2", result.Metadata.AggregateRankings[0].ModelID)
	}

	// 3 generations + 3 evaluations + 1 synthesis
	if client.callCount() != 7 {
		t.Errorf("Model calls = %d, want 7", client.callCount())
	}

	verifyEventOrdering(t, collectEvents(t, events, time.Second))
}

// verifyEventOrdering checks the append-only event log invariants: stage
// barriers respected, per-model completion + error count equals N, terminal
// event last.
func verifyEventOrdering(t *testing.T, events []Event) {
	t.Helper()

	index := func(eventType string) int {
		for i, e := range events {
			if e.Type == eventType {
				return i
			}
		}
		return -1
	}
	count := func(eventType string) int {
		n := 0
		for _, e := range events {
			if e.Type == eventType {
				n++
			}
		}
		return n
	}

	if index("stage1_start") != 0 {
		t.Errorf("First event = %s, want stage1_start", events[0].Type)
	}
	if got := count("stage1_model_complete") + count("stage1_model_error"); got != 3 {
		t.Errorf("Stage1 per-model events = %d, want 3", got)
	}

	s1Complete := index("stage1_complete")
	s2Start := index("stage2_start")
	if s1Complete == -1 || s2Start == -1 || s2Start < s1Complete {
		t.Errorf("stage2_start (%d) must come after stage1_complete (%d)", s2Start, s1Complete)
	}
	for i, e := range events {
		if (e.Type == "stage1_model_complete" || e.Type == "stage1_model_error") && i > s1Complete {
			t.Errorf("Per-model stage1 event after stage1_complete at index %d", i)
		}
	}

	s2Complete := index("stage2_complete")
	s3Start := index("stage3_start")
	if s2Complete == -1 || s3Start == -1 || s3Start < s2Complete {
		t.Errorf("stage3_start (%d) must come after stage2_complete (%d)", s3Start, s2Complete)
	}

	if events[len(events)-1].Type != "complete" {
		t.Errorf("Last event = %s, want complete", events[len(events)-1].Type)
	}

	for _, e := range events {
		if e.Type == "stage2_complete" {
			if e.Metadata == nil || e.Metadata.LabelToModel == nil {
				t.Error("stage2_complete must carry labelToModel and aggregate rankings")
			}
		}
	}
}

// TestOrchestratorPartialFailure: one member errors in stage 1, the others
// proceed; the failed member still evaluates in stage 2.
func TestOrchestratorPartialFailure(t *testing.T) {
	client := &fakeModelClient{
		stage1: map[string]string{
			"m1": "answer one",
			"m2": "answer two",
		},
		stage1Errs: map[string]string{"m3": "rate limited"},
		stage2: map[string]string{
			"m1": rankingText("Response B", "Response A"),
			"m2": rankingText("Response A", "Response B"),
			"m3": rankingText("Response A", "Response B"),
		},
		stage3: "final",
	}

	orchestrator := NewOrchestrator(client, NewEventBus())
	result, err := orchestrator.Run(context.Background(), "req-2", "question", testCouncil, testChairman)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Stage 1 completion count + error count = N
	completed, errored := 0, 0
	for _, r := range result.Stage1 {
		if r.Complete {
			completed++
		} else if r.Error != "" {
			errored++
		}
	}
	if completed != 2 || errored != 1 {
		t.Errorf("Stage1 completed/errored = %d/%d, want 2/1", completed, errored)
	}

	// Only completed responses are labeled
	if len(result.Metadata.LabelToModel) != 2 {
		t.Errorf("LabelToModel len = %d, want 2", len(result.Metadata.LabelToModel))
	}

	// The stage-1 failure does not exclude m3 from evaluating
	var m3Eval *Stage2Evaluation
	for i := range result.Stage2 {
		if result.Stage2[i].EvaluatorModelID == "m3" {
			m3Eval = &result.Stage2[i]
		}
	}
	if m3Eval == nil || !m3Eval.Complete {
		t.Fatalf("m3 evaluation = %+v, want complete", m3Eval)
	}
	if len(m3Eval.ParsedRanking) != 2 {
		t.Errorf("m3 parsed ranking = %v, want 2 labels", m3Eval.ParsedRanking)
	}
}

// TestOrchestratorAllStage1Failed: every member fails, the request is fatal.
func TestOrchestratorAllStage1Failed(t *testing.T) {
	client := &fakeModelClient{
		stage1Errs: map[string]string{
			"m1": "down",
			"m2": "down",
			"m3": "down",
		},
	}

	bus := NewEventBus()
	events, cancel := bus.Subscribe("req-3")
	defer cancel()

	orchestrator := NewOrchestrator(client, bus)
	_, err := orchestrator.Run(context.Background(), "req-3", "question", testCouncil, testChairman)
	if !errors.Is(err, ErrAllMembersFailed) {
		t.Fatalf("Expected ErrAllMembersFailed, got %v", err)
	}

	collected := collectEvents(t, events, time.Second)
	if len(collected) == 0 || collected[len(collected)-1].Type != "error" {
		t.Errorf("Expected terminal error event, got %+v", collected)
	}
}

// TestOrchestratorAllStage2Failed: generation succeeded but no evaluator
// responded, the request is fatal.
func TestOrchestratorAllStage2Failed(t *testing.T) {
	client := &fakeModelClient{
		stage1: map[string]string{"m1": "a", "m2": "b", "m3": "c"},
		stage2Errs: map[string]string{
			"m1": "down",
			"m2": "down",
			"m3": "down",
		},
	}

	orchestrator := NewOrchestrator(client, NewEventBus())
	_, err := orchestrator.Run(context.Background(), "req-4", "question", testCouncil, testChairman)
	if !errors.Is(err, ErrAllMembersFailed) {
		t.Fatalf("Expected ErrAllMembersFailed, got %v", err)
	}
}

// TestOrchestratorChairmanFailure: stage 3 failure is terminal, no fallback.
func TestOrchestratorChairmanFailure(t *testing.T) {
	client := &fakeModelClient{
		stage1: map[string]string{"m1": "a", "m2": "b", "m3": "c"},
		stage2: map[string]string{
			"m1": rankingText("Response A", "Response B", "Response C"),
			"m2": rankingText("Response A", "Response B", "Response C"),
			"m3": rankingText("Response A", "Response B", "Response C"),
		},
		stage3Err: "chairman offline",
	}

	bus := NewEventBus()
	events, cancel := bus.Subscribe("req-5")
	defer cancel()

	orchestrator := NewOrchestrator(client, bus)
	_, err := orchestrator.Run(context.Background(), "req-5", "question", testCouncil, testChairman)
	if err == nil {
		t.Fatal("Expected stage 3 failure")
	}

	collected := collectEvents(t, events, time.Second)
	sawStage3Error := false
	for _, e := range collected {
		if e.Type == "stage3_error" {
			sawStage3Error = true
		}
		if e.Type == "complete" {
			t.Error("complete event must not follow a stage 3 failure")
		}
	}
	if !sawStage3Error {
		t.Error("Expected stage3_error event")
	}
}

// TestOrchestratorUnparseableEvaluation: a gibberish evaluator is recorded
// but excluded from aggregation.
func TestOrchestratorUnparseableEvaluation(t *testing.T) {
	client := &fakeModelClient{
		stage1: map[string]string{"m1": "a", "m2": "b", "m3": "c"},
		stage2: map[string]string{
			"m1": rankingText("Response C", "Response B", "Response A"),
			"m2": "I refuse to rank anything.",
			"m3": rankingText("Response C", "Response B", "Response A"),
		},
		stage3: "final",
	}

	orchestrator := NewOrchestrator(client, NewEventBus())
	result, err := orchestrator.Run(context.Background(), "req-6", "question", testCouncil, testChairman)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var m2Eval *Stage2Evaluation
	for i := range result.Stage2 {
		if result.Stage2[i].EvaluatorModelID == "m2" {
			m2Eval = &result.Stage2[i]
		}
	}
	if m2Eval == nil || !m2Eval.Complete {
		t.Fatal("m2 evaluation must still be recorded")
	}
	if m2Eval.ParsedRanking != nil {
		t.Errorf("m2 parsed ranking = %v, want absent", m2Eval.ParsedRanking)
	}

	for _, agg := range result.Metadata.AggregateRankings {
		if agg.RankingsCount != 2 {
			t.Errorf("%s count = %d, want 2 (m2 excluded)", agg.ModelID, agg.RankingsCount)
		}
	}
}
