package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in   string
		want Intent
	}{
		{"semantic", IntentSemantic},
		{"  Episodic \n", IntentEpisodic},
		{`"procedural"`, IntentProcedural},
		{"The kind is preference.", IntentPreference},
	}
	for _, tt := range tests {
		got, err := parseIntent(tt.in)
		if err != nil {
			t.Errorf("parseIntent(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseIntent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	_, err := parseIntent("declarative")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("unknown intent: got %v, want ErrInvalidResponse", err)
	}
}

func TestParseEntityResponse(t *testing.T) {
	got, err := parseEntityResponse(`[{"label": "redis", "kind": "tool"}, {"label": "alice", "kind": "person"}]`)
	if err != nil {
		t.Fatalf("parseEntityResponse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
	if got[0].Label != "redis" || got[0].Kind != "tool" {
		t.Errorf("entity[0] = %+v", got[0])
	}
}

func TestParseEntityResponseFenced(t *testing.T) {
	content := "```json\n[{\"label\": \"postgres\", \"kind\": \"service\"}]\n```"
	got, err := parseEntityResponse(content)
	if err != nil {
		t.Fatalf("parseEntityResponse: %v", err)
	}
	if len(got) != 1 || got[0].Label != "postgres" {
		t.Errorf("got %+v, want one postgres entity", got)
	}
}

func TestParseEntityResponseWrapperText(t *testing.T) {
	content := `Here are the entities: [{"label": "grafana", "kind": "tool"}] as requested.`
	got, err := parseEntityResponse(content)
	if err != nil {
		t.Fatalf("parseEntityResponse: %v", err)
	}
	if len(got) != 1 || got[0].Label != "grafana" {
		t.Errorf("got %+v, want one grafana entity", got)
	}
}

func TestParseEntityResponseEmpty(t *testing.T) {
	got, err := parseEntityResponse("[]")
	if err != nil {
		t.Fatalf("parseEntityResponse: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entities, got %d", len(got))
	}
}

func TestParseEntityResponseInvalid(t *testing.T) {
	for _, in := range []string{"no array here", `[{"label": broken`} {
		if _, err := parseEntityResponse(in); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("parseEntityResponse(%q): got %v, want ErrInvalidResponse", in, err)
		}
	}
}

func TestParseEntityResponseDropsBlankAndCaps(t *testing.T) {
	var parts []string
	parts = append(parts, `{"label": "  ", "kind": "tool"}`)
	for i := 0; i < 12; i++ {
		parts = append(parts, `{"label": "e`+string(rune('a'+i))+`", "kind": "concept"}`)
	}
	got, err := parseEntityResponse("[" + strings.Join(parts, ",") + "]")
	if err != nil {
		t.Fatalf("parseEntityResponse: %v", err)
	}
	if len(got) != maxEntities {
		t.Errorf("expected cap at %d entities, got %d", maxEntities, len(got))
	}
	for _, e := range got {
		if strings.TrimSpace(e.Label) == "" {
			t.Errorf("blank label kept: %+v", e)
		}
	}
}

func TestServiceSummarize(t *testing.T) {
	mock := &MockClient{Response: &Response{Content: "  a short summary  ", Provider: "mock"}}
	svc := NewService(mock, 1, time.Second)

	got, err := svc.Summarize(context.Background(), "lots of text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "a short summary" {
		t.Errorf("summary = %q, want trimmed content", got)
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", mock.CallCount())
	}
}

func TestServiceSummarizeEmpty(t *testing.T) {
	mock := &MockClient{Response: &Response{Content: "   ", Provider: "mock"}}
	svc := NewService(mock, 1, time.Second)

	_, err := svc.Summarize(context.Background(), "text")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("got %v, want ErrInvalidResponse", err)
	}
}

func TestServiceClassifyIntent(t *testing.T) {
	mock := &MockClient{Response: &Response{Content: "procedural", Provider: "mock"}}
	svc := NewService(mock, 1, time.Second)

	got, err := svc.ClassifyIntent(context.Background(), "run make test before pushing")
	if err != nil {
		t.Fatalf("ClassifyIntent: %v", err)
	}
	if got != IntentProcedural {
		t.Errorf("intent = %q, want procedural", got)
	}
}

func TestServiceExtractEntities(t *testing.T) {
	mock := &MockClient{
		Handler: func(prompt string) (*Response, error) {
			if !strings.Contains(prompt, "deploys with argo") {
				t.Errorf("prompt missing record text")
			}
			return &Response{Content: `[{"label": "argo", "kind": "tool"}]`, Provider: "mock"}, nil
		},
	}
	svc := NewService(mock, 1, time.Second)

	got, err := svc.ExtractEntities(context.Background(), "the team deploys with argo")
	if err != nil {
		t.Fatalf("ExtractEntities: %v", err)
	}
	if len(got) != 1 || got[0].Label != "argo" {
		t.Errorf("entities = %+v, want [argo]", got)
	}
}

// slowClient blocks until the call context expires.
type slowClient struct{}

func (slowClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServiceTimeout(t *testing.T) {
	svc := NewService(slowClient{}, 1, 10*time.Millisecond)

	_, err := svc.Summarize(context.Background(), "text")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

// gaugeClient tracks the highest number of in-flight completions.
type gaugeClient struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gaugeClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	g.mu.Lock()
	g.current--
	g.mu.Unlock()
	return &Response{Content: "semantic", Provider: "gauge"}, nil
}

func TestServiceConcurrencyCap(t *testing.T) {
	gauge := &gaugeClient{}
	svc := NewService(gauge, 2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ClassifyIntent(context.Background(), "text"); err != nil {
				t.Errorf("ClassifyIntent: %v", err)
			}
		}()
	}
	wg.Wait()

	if gauge.peak > 2 {
		t.Errorf("peak concurrency %d exceeds cap 2", gauge.peak)
	}
}
