package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrAllMembersFailed means every member of a stage errored. Fatal for the
// request; partial failure within a stage is not.
var ErrAllMembersFailed = errors.New("all council members failed")

// Orchestrator drives the three-stage deliberation protocol for one request:
// independent generation, blind cross-evaluation, chairman synthesis.
// Progress is published to the event bus tagged with the request id.
type Orchestrator struct {
	client ModelClient
	bus    *EventBus
}

// NewOrchestrator creates an orchestrator backed by the given model client.
func NewOrchestrator(client ModelClient, bus *EventBus) *Orchestrator {
	return &Orchestrator{client: client, bus: bus}
}

func (o *Orchestrator) emit(requestID, eventType string, data interface{}, metadata *CouncilMetadata) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(Event{
		Type:      eventType,
		RequestID: requestID,
		Data:      data,
		Metadata:  metadata,
	})
}

// Run executes the full deliberation and returns the terminal result.
// Per-model errors are recorded on the result structs and never abort the
// pipeline; only a whole-stage failure or a chairman failure is fatal.
func (o *Orchestrator) Run(ctx context.Context, requestID, query string, council []ModelRef, chairman ModelRef) (*CouncilResult, error) {
	// Stage 1: independent generation
	o.emit(requestID, "stage1_start", council, nil)
	stage1 := o.runStage1(ctx, requestID, query, council)
	o.emit(requestID, "stage1_complete", stage1, nil)

	completed := make([]Stage1Response, 0, len(stage1))
	var memberErrors []string
	for _, r := range stage1 {
		if r.Complete {
			completed = append(completed, r)
		} else {
			memberErrors = append(memberErrors, fmt.Sprintf("%s: %s", r.ModelID, r.Error))
		}
	}

	if len(completed) == 0 {
		err := fmt.Errorf("%w in stage 1: %s", ErrAllMembersFailed, strings.Join(memberErrors, "; "))
		o.emit(requestID, "error", err.Error(), nil)
		return nil, err
	}

	// Stage 2 needs the full label set before any evaluator is asked,
	// so it only starts after the stage 1 barrier has resolved.
	labelToModel, responsesText := buildLabelSet(completed)

	o.emit(requestID, "stage2_start", nil, nil)
	stage2 := o.runStage2(ctx, requestID, query, council, responsesText, labelToModel)

	anyEvaluated := false
	for _, e := range stage2 {
		if e.Complete {
			anyEvaluated = true
			break
		}
	}
	if !anyEvaluated {
		err := fmt.Errorf("%w in stage 2", ErrAllMembersFailed)
		o.emit(requestID, "error", err.Error(), nil)
		return nil, err
	}

	aggregate := CalculateAggregateRankings(stage2, labelToModel, council)
	metadata := &CouncilMetadata{
		LabelToModel:      labelToModel,
		AggregateRankings: aggregate,
	}
	o.emit(requestID, "stage2_complete", stage2, metadata)

	// Stage 3: chairman synthesis. No fallback chairman; failure is terminal.
	o.emit(requestID, "stage3_start", chairman, nil)
	stage3, err := o.runStage3(ctx, query, completed, aggregate, chairman)
	if err != nil {
		o.emit(requestID, "stage3_error", err.Error(), nil)
		o.emit(requestID, "error", err.Error(), nil)
		return nil, fmt.Errorf("stage 3 failed: %w", err)
	}
	o.emit(requestID, "stage3_complete", stage3, nil)

	result := &CouncilResult{
		RequestID: requestID,
		Success:   true,
		Stage1:    stage1,
		Stage2:    stage2,
		Stage3:    stage3,
		Metadata:  metadata,
	}
	o.emit(requestID, "complete", result, nil)

	return result, nil
}

// runStage1 issues one generation call per council member concurrently.
// Each call is independent: a member's failure is recorded on its response
// and does not block or cancel the others. Returns when every member has
// either completed or errored.
func (o *Orchestrator) runStage1(ctx context.Context, requestID, query string, council []ModelRef) []Stage1Response {
	results := make([]Stage1Response, len(council))
	var mu sync.Mutex

	g := new(errgroup.Group)
	for i, member := range council {
		i, member := i, member
		results[i] = Stage1Response{ModelID: member.ModelID, ModelName: member.ModelName}

		g.Go(func() error {
			messages := []ChatMessage{{Role: "user", Content: query}}
			text, err := o.client.QueryModel(ctx, member.ModelID, messages, ModelQueryTimeout)

			mu.Lock()
			if err != nil {
				results[i].Error = err.Error()
			} else {
				results[i].Text = text
				results[i].Complete = true
			}
			mu.Unlock()

			if err != nil {
				o.emit(requestID, "stage1_model_error", map[string]string{
					"modelId":   member.ModelID,
					"modelName": member.ModelName,
					"error":     err.Error(),
				}, nil)
			} else {
				o.emit(requestID, "stage1_model_complete", map[string]string{
					"modelId":   member.ModelID,
					"modelName": member.ModelName,
				}, nil)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// runStage2 asks every council member (including ones that failed stage 1)
// to rank the anonymized responses. Mirrors stage 1's partial-failure
// tolerance.
func (o *Orchestrator) runStage2(ctx context.Context, requestID, query string, council []ModelRef, responsesText string, labelToModel map[string]string) []Stage2Evaluation {
	prompt := buildRankingPrompt(query, responsesText)
	results := make([]Stage2Evaluation, len(council))
	var mu sync.Mutex

	g := new(errgroup.Group)
	for i, member := range council {
		i, member := i, member
		results[i] = Stage2Evaluation{EvaluatorModelID: member.ModelID, EvaluatorModelName: member.ModelName}

		g.Go(func() error {
			messages := []ChatMessage{{Role: "user", Content: prompt}}
			text, err := o.client.QueryModel(ctx, member.ModelID, messages, ModelQueryTimeout)

			mu.Lock()
			if err != nil {
				results[i].Error = err.Error()
			} else {
				results[i].RawEvaluation = text
				results[i].ParsedRanking = validateRanking(ParseRankingFromText(text), labelToModel)
				results[i].Complete = true
			}
			mu.Unlock()

			if err != nil {
				o.emit(requestID, "stage2_model_error", map[string]string{
					"modelId":   member.ModelID,
					"modelName": member.ModelName,
					"error":     err.Error(),
				}, nil)
			} else {
				o.emit(requestID, "stage2_model_complete", map[string]string{
					"modelId":   member.ModelID,
					"modelName": member.ModelName,
				}, nil)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// runStage3 is a single call to the chairman model, given the original
// query, all stage-1 texts and the aggregate ranking.
func (o *Orchestrator) runStage3(ctx context.Context, query string, stage1 []Stage1Response, aggregate []AggregateRanking, chairman ModelRef) (*Stage3Response, error) {
	prompt := buildChairmanPrompt(query, stage1, aggregate)
	messages := []ChatMessage{{Role: "user", Content: prompt}}

	text, err := o.client.QueryModel(ctx, chairman.ModelID, messages, ModelQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	return &Stage3Response{
		ModelID:   chairman.ModelID,
		ModelName: chairman.ModelName,
		Text:      text,
		Complete:  true,
	}, nil
}

// buildLabelSet assigns opaque labels (Response A, Response B, ...) to the
// completed stage-1 responses so evaluators rank anonymized outputs rather
// than named models. Generated once per request, immediately before stage 2.
func buildLabelSet(completed []Stage1Response) (map[string]string, string) {
	labelToModel := make(map[string]string)
	var responsesText strings.Builder

	for i, result := range completed {
		label := fmt.Sprintf("Response %c", rune('A'+i))
		labelToModel[label] = result.ModelID
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, result.Text))
	}

	return labelToModel, responsesText.String()
}

// buildRankingPrompt builds the stage-2 evaluation prompt.
func buildRankingPrompt(query, responsesText string) string {
	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, query, responsesText)
}

// buildChairmanPrompt builds the stage-3 synthesis prompt.
func buildChairmanPrompt(query string, stage1 []Stage1Response, aggregate []AggregateRanking) string {
	var stage1Text strings.Builder
	for _, result := range stage1 {
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", result.ModelName, result.Text))
	}

	var rankingText strings.Builder
	for i, agg := range aggregate {
		rankingText.WriteString(fmt.Sprintf("%d. %s (average rank %.2f across %d rankings)\n", i+1, agg.ModelName, agg.AverageRank, agg.RankingsCount))
	}
	if rankingText.Len() == 0 {
		rankingText.WriteString("(no rankings could be parsed)\n")
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Aggregate Peer Ranking (best first):
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, query, stage1Text.String(), rankingText.String())
}

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered responses (e.g., "1. Response A").
// Falls back to extracting any "Response X" patterns found in the text.
func ParseRankingFromText(rankingText string) []string {
	// Look for "FINAL RANKING:" section
	if strings.Contains(rankingText, "FINAL RANKING:") {
		parts := strings.Split(rankingText, "FINAL RANKING:")
		if len(parts) >= 2 {
			rankingSection := parts[1]

			// Try to extract numbered list format (e.g., "1. Response A")
			numberedPattern := regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
			numberedMatches := numberedPattern.FindAllString(rankingSection, -1)
			if len(numberedMatches) > 0 {
				responsePattern := regexp.MustCompile(`Response [A-Z]`)
				var results []string
				for _, match := range numberedMatches {
					if resp := responsePattern.FindString(match); resp != "" {
						results = append(results, resp)
					}
				}
				return results
			}

			// Fallback: Extract all "Response X" patterns in order
			responsePattern := regexp.MustCompile(`Response [A-Z]`)
			matches := responsePattern.FindAllString(rankingSection, -1)
			if len(matches) > 0 {
				return matches
			}
		}
	}

	// Fallback: try to find any "Response X" patterns in order
	responsePattern := regexp.MustCompile(`Response [A-Z]`)
	return responsePattern.FindAllString(rankingText, -1)
}

// validateRanking checks a parsed ranking against the label set for this
// request. A label outside the set fails the whole evaluation (treated as a
// parse failure, not a partial ranking); duplicate labels collapse to their
// first mention. Returns nil when nothing usable remains.
func validateRanking(parsed []string, labelToModel map[string]string) []string {
	if len(parsed) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var ranking []string
	for _, label := range parsed {
		if _, ok := labelToModel[label]; !ok {
			return nil
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		ranking = append(ranking, label)
	}

	return ranking
}

// CalculateAggregateRankings computes the aggregate ranking across all
// parseable evaluations: for each model that received at least one ranking,
// averageRank is the mean of its 1-based position and rankingsCount the
// number of evaluations that included it. Deterministic: sorted by
// averageRank ascending, then rankingsCount descending, then modelId
// ascending. Pure function of the evaluation set.
func CalculateAggregateRankings(stage2 []Stage2Evaluation, labelToModel map[string]string, council []ModelRef) []AggregateRanking {
	modelNames := make(map[string]string, len(council))
	for _, m := range council {
		modelNames[m.ModelID] = m.ModelName
	}

	positions := make(map[string][]int)
	for _, eval := range stage2 {
		for pos, label := range eval.ParsedRanking {
			if modelID, ok := labelToModel[label]; ok {
				positions[modelID] = append(positions[modelID], pos+1) // 1-based
			}
		}
	}

	aggregate := make([]AggregateRanking, 0, len(positions))
	for modelID, ranks := range positions {
		sum := 0
		for _, r := range ranks {
			sum += r
		}
		name := modelNames[modelID]
		if name == "" {
			name = modelID
		}
		aggregate = append(aggregate, AggregateRanking{
			ModelID:       modelID,
			ModelName:     name,
			AverageRank:   float64(sum) / float64(len(ranks)),
			RankingsCount: len(ranks),
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		if aggregate[i].RankingsCount != aggregate[j].RankingsCount {
			return aggregate[i].RankingsCount > aggregate[j].RankingsCount
		}
		return aggregate[i].ModelID < aggregate[j].ModelID
	})

	return aggregate
}
