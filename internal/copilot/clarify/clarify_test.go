package clarify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/clarify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

type stubGen struct {
	reply string
	err   error
}

func (s *stubGen) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply}, nil
}

const testDoc = `
version: 1
tables:
  - name: sales
    description: Sales transactions
    columns:
      - name: revenue
        description: Transaction revenue
        synonyms: [turnover]
        metric:
          kind: flow
      - name: units
        description: Units sold
        metric:
          kind: flow
`

func testSchema(t *testing.T) *schema.Context {
	t.Helper()
	sch, err := schema.Parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("parse schema fixture: %v", err)
	}
	return sch
}

func TestGenerate_KeepsGroundedOptions(t *testing.T) {
	gen := &stubGen{reply: `{
		"explanation": "Most could mean two different measures.",
		"options": [
			"Region with the highest total revenue",
			"Region with the most units sold"
		]
	}`}
	g := clarify.New(gen, testSchema(t), nil)
	c, err := g.Generate(context.Background(), "which region sold most?", "(none)", "ambiguous_metric")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.Options) != 2 {
		t.Fatalf("options: %+v", c.Options)
	}
	if c.Explanation == "" {
		t.Error("explanation should not be empty")
	}
}

func TestGenerate_TruncatesToThree(t *testing.T) {
	gen := &stubGen{reply: `{
		"explanation": "Several readings.",
		"options": [
			"Highest total revenue",
			"Most units sold",
			"Highest revenue per unit",
			"Highest average revenue per month"
		]
	}`}
	g := clarify.New(gen, testSchema(t), nil)
	c, err := g.Generate(context.Background(), "best region?", "(none)", "ambiguous_metric")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.Options) != 3 {
		t.Fatalf("got %d options, want 3", len(c.Options))
	}
}

func TestGenerate_DropsUngroundedAndDuplicateOptions(t *testing.T) {
	gen := &stubGen{reply: `{
		"explanation": "Two readings.",
		"options": [
			"Region with the highest total revenue",
			"region with the highest total revenue",
			"Region with the best weather",
			"Region with the most units sold"
		]
	}`}
	g := clarify.New(gen, testSchema(t), nil)
	c, err := g.Generate(context.Background(), "best region?", "(none)", "ambiguous_metric")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.Options) != 2 {
		t.Fatalf("options after vetting: %+v", c.Options)
	}
	for _, opt := range c.Options {
		if opt == "Region with the best weather" {
			t.Error("vocabulary-free option survived vetting")
		}
	}
}

func TestGenerate_FailsClosedBelowTwoOptions(t *testing.T) {
	gen := &stubGen{reply: `{
		"explanation": "One reading.",
		"options": ["Region with the highest total revenue"]
	}`}
	g := clarify.New(gen, testSchema(t), nil)
	_, err := g.Generate(context.Background(), "best region?", "(none)", "ambiguous_metric")
	if !errors.Is(err, clarify.ErrNotEnoughOptions) {
		t.Fatalf("expected ErrNotEnoughOptions, got %v", err)
	}
}

func TestGenerate_AcceptsSynonymGrounding(t *testing.T) {
	gen := &stubGen{reply: `{
		"explanation": "Two readings.",
		"options": [
			"Region with the highest turnover",
			"Region with the most units sold"
		]
	}`}
	g := clarify.New(gen, testSchema(t), nil)
	c, err := g.Generate(context.Background(), "best region?", "(none)", "ambiguous_metric")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.Options) != 2 {
		t.Fatalf("synonym-grounded option should survive: %+v", c.Options)
	}
}

func TestFallback(t *testing.T) {
	c := clarify.Fallback()
	if n := len(c.Options); n != 2 {
		t.Fatalf("fallback options: got %d, want 2", n)
	}
	if c.Explanation == "" {
		t.Error("fallback needs an explanation")
	}
}
