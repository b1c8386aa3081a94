package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Intent is the kind of knowledge a memory record carries.
type Intent string

const (
	IntentEpisodic   Intent = "episodic"   // something that happened
	IntentSemantic   Intent = "semantic"   // a standing fact
	IntentProcedural Intent = "procedural" // a technique or workflow
	IntentPreference Intent = "preference" // a like, dislike, or setting
)

// Entity is a named thing a record mentions.
type Entity struct {
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// maxEntities caps how many entities a single extraction may yield,
// whatever the model returns.
const maxEntities = 8

// Service wraps a Client with bounded concurrency and per-call timeouts.
// All outbound completions in the process go through one Service so the
// concurrency cap holds globally.
type Service struct {
	client  Client
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewService creates a Service over the given client.
func NewService(client Client, maxConcurrent int64, timeout time.Duration) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		client:  client,
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
	}
}

// Summarize compresses text into a short summary.
func (s *Service) Summarize(ctx context.Context, text string) (string, error) {
	out, err := s.complete(ctx, SummaryPrompt(text))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("empty summary: %w", ErrInvalidResponse)
	}
	return out, nil
}

// ClassifyIntent labels text with one of the four memory kinds.
func (s *Service) ClassifyIntent(ctx context.Context, text string) (Intent, error) {
	out, err := s.complete(ctx, IntentPrompt(text))
	if err != nil {
		return "", err
	}
	return parseIntent(out)
}

// ExtractEntities lists the named entities text mentions.
func (s *Service) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	out, err := s.complete(ctx, EntityPrompt(text))
	if err != nil {
		return nil, err
	}
	return parseEntityResponse(out)
}

func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Complete(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("llm call: %w", ErrTimeout)
		}
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

var intents = []Intent{IntentEpisodic, IntentSemantic, IntentProcedural, IntentPreference}

// parseIntent maps a completion to a known intent. Models occasionally
// wrap the label in a sentence, so a substring match backs up the
// exact one.
func parseIntent(content string) (Intent, error) {
	norm := strings.ToLower(strings.Trim(content, "\"'`. \n"))
	for _, in := range intents {
		if norm == string(in) {
			return in, nil
		}
	}
	for _, in := range intents {
		if strings.Contains(norm, string(in)) {
			return in, nil
		}
	}
	return "", fmt.Errorf("unrecognized intent %q: %w", content, ErrInvalidResponse)
}

// parseEntityResponse extracts a JSON array from the LLM response.
// The response might contain markdown code fences or other wrapper text.
func parseEntityResponse(content string) ([]Entity, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response: %w", ErrInvalidResponse)
	}

	var entities []Entity
	if err := json.Unmarshal([]byte(content[start:end+1]), &entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %v: %w", err, ErrInvalidResponse)
	}

	kept := entities[:0]
	for _, e := range entities {
		if strings.TrimSpace(e.Label) == "" {
			continue
		}
		kept = append(kept, e)
		if len(kept) == maxEntities {
			break
		}
	}
	return kept, nil
}
