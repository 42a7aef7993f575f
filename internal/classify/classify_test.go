package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedLLM answers by stage, recognised from the system prompt's schema.
type scriptedLLM struct {
	mu       sync.Mutex
	category string
	bom      string
	process  string
	err      error
	prompts  []string
}

func (s *scriptedLLM) Complete(_ context.Context, systemPrompt, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	switch {
	case strings.Contains(systemPrompt, "bill of materials"):
		return s.bom, nil
	case strings.Contains(systemPrompt, "manufacturing processes"):
		return s.process, nil
	default:
		return s.category, nil
	}
}

func weight(w float64) *float64 { return &w }

func TestClassifyCategory_StripsFences(t *testing.T) {
	t.Parallel()
	llm := &scriptedLLM{category: "```json\n{\"category\":\"Furniture\",\"subcategory\":\"Chairs\"}\n```"}
	c := NewClaudeClient(llm, nil)

	got, err := c.ClassifyCategory(context.Background(), "acme", Descriptor{Code: "A", Name: "Chair"})
	if err != nil {
		t.Fatalf("ClassifyCategory: %v", err)
	}
	if got.Category != "Furniture" || got.Subcategory != "Chairs" {
		t.Errorf("got %+v, want Furniture/Chairs", got)
	}
}

func TestClassifyCategory_Malformed(t *testing.T) {
	t.Parallel()
	c := NewClaudeClient(&scriptedLLM{category: "I think this is a chair"}, nil)

	_, err := c.ClassifyCategory(context.Background(), "acme", Descriptor{Code: "A", Name: "Chair"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestClassifyBOM_EmptyIsInvalid(t *testing.T) {
	t.Parallel()
	c := NewClaudeClient(&scriptedLLM{bom: `{"materials":[]}`}, nil)

	_, err := c.ClassifyBOM(context.Background(), "acme", Descriptor{Code: "A", Name: "Chair"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestClassifySingle_IncludesImage(t *testing.T) {
	t.Parallel()
	llm := &scriptedLLM{process: `{"processes":[{"name":"sewing","material_class":"textile","weight":0.4}]}`}
	c := NewClaudeClient(llm, nil)

	d := Descriptor{Code: "T1", Name: "Shirt", Weight: weight(0.4), ImageURL: "https://img.example.com/t1.jpg"}
	procs, err := c.ClassifyProcesses(context.Background(), "acme", d)
	if err != nil {
		t.Fatalf("ClassifyProcesses: %v", err)
	}
	if len(procs) != 1 || procs[0].Name != "sewing" {
		t.Errorf("processes = %+v", procs)
	}
	if !strings.Contains(llm.prompts[0], "https://img.example.com/t1.jpg") {
		t.Errorf("prompt does not mention image: %q", llm.prompts[0])
	}
}

func TestClassifyBOMBatch_DropsIncompleteEntries(t *testing.T) {
	t.Parallel()
	llm := &scriptedLLM{bom: `[
		{"product_code":"P1","materials":[{"material_class":"metal","specific_material":"steel","weight":1}]},
		{"product_code":"","materials":[{"material_class":"wood","weight":1}]},
		{"product_code":"P3","materials":[]}
	]`}
	c := NewClaudeClient(llm, nil)

	got, err := c.ClassifyBOMBatch(context.Background(), "acme", []Descriptor{{Code: "P1"}, {Code: "P2"}, {Code: "P3"}})
	if err != nil {
		t.Fatalf("ClassifyBOMBatch: %v", err)
	}
	if len(got) != 1 || got[0].ProductCode != "P1" {
		t.Fatalf("results = %+v, want only P1", got)
	}
}

func TestClassifyCategoryBatch_WrappedResults(t *testing.T) {
	t.Parallel()
	llm := &scriptedLLM{category: `{"results":[{"product_code":"P1","category":"Toys","subcategory":"Puzzles"}]}`}
	c := NewClaudeClient(llm, nil)

	got, err := c.ClassifyCategoryBatch(context.Background(), "acme", []Descriptor{{Code: "P1"}})
	if err != nil {
		t.Fatalf("ClassifyCategoryBatch: %v", err)
	}
	if len(got) != 1 || got[0].Category.Category != "Toys" {
		t.Fatalf("results = %+v", got)
	}
}

func TestBatchPrompt_OmitsImages(t *testing.T) {
	t.Parallel()
	prompt, err := batchPrompt([]Descriptor{{Code: "P1", Name: "Lamp", ImageURL: "https://img/p1.png"}})
	if err != nil {
		t.Fatalf("batchPrompt: %v", err)
	}
	if strings.Contains(prompt, "https://img/p1.png") {
		t.Errorf("batch prompt leaks image url: %q", prompt)
	}
}

func TestClassify_PropagatesLLMError(t *testing.T) {
	t.Parallel()
	boom := errors.New("provider overloaded")
	c := NewClaudeClient(&scriptedLLM{err: boom}, nil)

	_, err := c.ClassifyProcessesBatch(context.Background(), "acme", []Descriptor{{Code: "P1"}})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped provider error", err)
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"standard JSON fence", "```json\n{\"key\":\"value\"}\n```", "{\"key\":\"value\"}"},
		{"plain fence", "```\n[1,2]\n```", "[1,2]"},
		{"no fence unchanged", "{\"key\":\"value\"}", "{\"key\":\"value\"}"},
		{"only whitespace trimmed", "  {\"a\":1}  ", "{\"a\":1}"},
		{"trailing newline after closing fence", "```json\n{\"a\":1}\n```\n", "{\"a\":1}"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFences(tt.input); got != tt.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	d := Descriptor{Code: "ABCD", Name: "Chair", Description: "Wooden chair"} // 4+5+12 = 21 chars
	want := PromptOverheadTokens + 16 + ResponseTokensPerProduct              // ceil(21*0.75) = 16
	if got := EstimateTokens([]Descriptor{d}); got != want {
		t.Errorf("EstimateTokens = %d, want %d", got, want)
	}
	if got := EstimateTokens(nil); got != PromptOverheadTokens {
		t.Errorf("EstimateTokens(nil) = %d, want %d", got, PromptOverheadTokens)
	}
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	t.Parallel()
	ds := []Descriptor{
		{Code: "A", Name: "Chair", Description: strings.Repeat("oak ", 50)},
		{Code: "B", Name: "", Description: ""},
		{Code: "C", Name: "Table", Description: "Steel frame"},
		{Code: "D", Name: "Lamp"},
	}
	for n := 0; n < len(ds); n++ {
		if a, b := EstimateTokens(ds[:n]), EstimateTokens(ds[:n+1]); a > b {
			t.Errorf("estimate(%d) = %d > estimate(%d) = %d", n, a, n+1, b)
		}
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()
	l := NewLimiter(0, 0)
	for range 100 {
		if err := l.Wait(context.Background(), 1_000_000); err != nil {
			t.Fatalf("Wait on disabled limiter: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Wait(context.Background(), 10); err != nil {
		t.Fatalf("Wait on nil limiter: %v", err)
	}
}

func TestLimiter_ClampsOversizedAsk(t *testing.T) {
	t.Parallel()
	l := NewLimiter(0, 1000)
	// A fresh bucket is full, so a clamped ask succeeds immediately.
	if err := l.Wait(context.Background(), 50_000); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestLimiter_BlocksOverRPM(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1, 0)
	if err := l.Wait(context.Background(), 0); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 0); err == nil {
		t.Fatal("second Wait within the minute should fail on the deadline")
	}
}
