package compose_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/clarify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/compose"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

// stubGen replays per-template replies and records which templates ran.
type stubGen struct {
	replies   map[string]string
	templates []string
}

func (s *stubGen) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.templates = append(s.templates, req.Template)
	reply, ok := s.replies[req.Template]
	if !ok {
		return nil, errors.New("stub: no reply for " + req.Template)
	}
	return &llm.Response{Text: reply}, nil
}

const testDoc = `
version: 1
tables:
  - name: accounts
    description: Customer accounts
    columns:
      - name: balance
        description: Account balance snapshot
        metric:
          kind: point_in_time
  - name: sales
    description: Sales transactions
    columns:
      - name: revenue
        description: Transaction revenue
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

func TestPleasantry_AppendsSuggestions(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerPleasantry: "Hello! Happy to help with your data questions.",
		llm.TemplateNextSteps:        `{"suggestions":["Ask about revenue by month","Ask about account balances"]}`,
	}}
	c := compose.New(gen, testSchema(t), nil)

	out, err := c.Pleasantry(context.Background(), "hi there", "(none)")
	if err != nil {
		t.Fatalf("Pleasantry: %v", err)
	}
	if !strings.Contains(out, "Hello!") {
		t.Errorf("draft missing: %q", out)
	}
	if !strings.Contains(out, "You could also ask:") {
		t.Errorf("suggestions missing: %q", out)
	}
}

func TestPleasantry_SuggestionFailureDegrades(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerPleasantry: "Hello!",
	}}
	c := compose.New(gen, testSchema(t), nil)

	out, err := c.Pleasantry(context.Background(), "hi", "(none)")
	if err != nil {
		t.Fatalf("Pleasantry: %v", err)
	}
	if strings.Contains(out, "You could also ask:") {
		t.Errorf("no suggestions should be appended: %q", out)
	}
}

func TestNoData_AlwaysOffersAlternatives(t *testing.T) {
	// Suggestion drafting fails; the answer must still name what the
	// data can answer.
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerNoData: "We don't track weather data.",
	}}
	c := compose.New(gen, testSchema(t), nil)

	out, err := c.NoData(context.Background(), "what's the weather?", "(none)", "weather not tracked")
	if err != nil {
		t.Fatalf("NoData: %v", err)
	}
	if !strings.Contains(out, "You could also ask:") {
		t.Fatalf("alternatives are mandatory on no-data answers: %q", out)
	}
	if !strings.Contains(out, "accounts") {
		t.Errorf("fallback should name declared tables: %q", out)
	}
}

func TestQuery_AppendsAssumptionBlock(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerQuery: "Total revenue was 2,100.",
		llm.TemplateNextSteps:   `{"suggestions":[]}`,
	}}
	c := compose.New(gen, testSchema(t), nil)

	res := &queryengine.Result{
		Query:   "SELECT SUM(revenue) FROM sales",
		Columns: []string{"total"},
		Rows:    [][]string{{"2100"}},
	}
	out, err := c.Query(context.Background(), "total revenue?", "(none)", res,
		[]string{"Only completed transactions are counted."})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "Assumptions:\n- Only completed transactions are counted.") {
		t.Errorf("assumption block missing: %q", out)
	}
	if strings.Contains(out, "Caution:") {
		t.Errorf("flow metric must not trigger the qualifier: %q", out)
	}
}

func TestQuery_QualifiesPointInTimeSumAcrossPeriods(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerQuery: "The summed balance over 2024 is 9,000.",
		llm.TemplateNextSteps:   `{"suggestions":[]}`,
	}}
	c := compose.New(gen, testSchema(t), nil)

	res := &queryengine.Result{
		Query:   "SELECT month, SUM(balance) FROM accounts GROUP BY month",
		Columns: []string{"month", "total"},
		Rows:    [][]string{{"2024-01", "4000"}, {"2024-02", "5000"}},
	}
	out, err := c.Query(context.Background(), "total balance per month?", "(none)", res, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "Caution: balance is a point-in-time metric") {
		t.Fatalf("qualifier missing: %q", out)
	}
}

func TestQuery_NoQualifierForSinglePeriod(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerQuery: "Total balance on 2024-06-30 was 9,000.",
		llm.TemplateNextSteps:   `{"suggestions":[]}`,
	}}
	c := compose.New(gen, testSchema(t), nil)

	res := &queryengine.Result{
		Query:   "SELECT SUM(balance) FROM accounts WHERE snapshot_date = '2024-06-30'",
		Columns: []string{"total"},
		Rows:    [][]string{{"9000"}},
	}
	out, err := c.Query(context.Background(), "total balance today?", "(none)", res, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if strings.Contains(out, "Caution:") {
		t.Errorf("single-period sum must not be qualified: %q", out)
	}
}

func TestClarify_Deterministic(t *testing.T) {
	gen := &stubGen{}
	c := compose.New(gen, testSchema(t), nil)
	out := c.Clarify(&clarify.Clarification{
		Explanation: "Most could mean two measures.",
		Options:     []string{"By revenue", "By units"},
	})
	if !strings.Contains(out, "1. By revenue") || !strings.Contains(out, "2. By units") {
		t.Errorf("options not numbered: %q", out)
	}
	if len(gen.templates) != 0 {
		t.Errorf("clarification rendering must not call the model: %v", gen.templates)
	}
}

func TestSuggestionsCappedAtTwo(t *testing.T) {
	gen := &stubGen{replies: map[string]string{
		llm.TemplateAnswerPleasantry: "Hi!",
		llm.TemplateNextSteps:        `{"suggestions":["one","two","three"]}`,
	}}
	c := compose.New(gen, testSchema(t), nil)

	out, err := c.Pleasantry(context.Background(), "hi", "(none)")
	if err != nil {
		t.Fatalf("Pleasantry: %v", err)
	}
	if strings.Contains(out, "three") {
		t.Errorf("more than two suggestions appended: %q", out)
	}
}
