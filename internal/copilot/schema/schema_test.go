package schema_test

import (
	"strings"
	"testing"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

const validDoc = `
version: 1
tables:
  - name: accounts
    description: One row per account per month-end snapshot.
    date_range: {from: "2021-01-31", to: "2022-12-31"}
    columns:
      - name: account_id
        description: Unique account identifier.
      - name: status
        description: Account lifecycle status (open, closed, frozen).
      - name: balance
        description: End-of-month account balance.
        synonyms: [assets]
        metric: {kind: point_in_time, unit: USD}
  - name: transactions
    description: One row per transaction.
    columns:
      - name: amount
        description: Transaction amount.
        metric: {kind: flow, unit: USD}
      - name: client_revenue
        description: Revenue attributed to the client.
        synonyms: [revenue]
        metric: {kind: flow, unit: USD}
terms:
  - term: active client
    definitions:
      - A client with at least one open account.
      - A client with a transaction in the last 90 days.
defaults:
  - name: open_accounts
    column: status
    value: open
    disclosure: Only accounts currently open are counted.
`

func mustParse(t *testing.T) *schema.Context {
	t.Helper()
	ctx, err := schema.Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return ctx
}

func TestParse_Valid(t *testing.T) {
	ctx := mustParse(t)
	if len(ctx.Tables) != 2 {
		t.Errorf("expected 2 tables, got %d", len(ctx.Tables))
	}
	if _, ok := ctx.DefaultByName("open_accounts"); !ok {
		t.Error("expected open_accounts default to be declared")
	}
}

func TestParse_RejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"wrong version", "version: 2\ntables:\n  - name: t\n    columns:\n      - name: c\n        description: x", "version must be"},
		{"no tables", "version: 1", "tables must not be empty"},
		{"duplicate table", "version: 1\ntables:\n  - name: t\n    columns: [{name: c, description: x}]\n  - name: t\n    columns: [{name: c, description: x}]", "duplicate name"},
		{"bad metric kind", "version: 1\ntables:\n  - name: t\n    columns: [{name: c, description: x, metric: {kind: cumulative}}]", "unknown metric kind"},
		{"default unknown column", "version: 1\ntables:\n  - name: t\n    columns: [{name: c, description: x}]\ndefaults:\n  - {name: d, column: missing, value: v, disclosure: y}", "not declared"},
		{"default without disclosure", "version: 1\ntables:\n  - name: t\n    columns: [{name: c, description: x}]\ndefaults:\n  - {name: d, column: c, value: v}", "disclosure must not be empty"},
		{"term without definitions", "version: 1\ntables:\n  - name: t\n    columns: [{name: c, description: x}]\nterms:\n  - term: thing", "definitions must not be empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := schema.Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestDoc_RendersMetricSemantics(t *testing.T) {
	doc := mustParse(t).Doc()
	if !strings.Contains(doc, "point-in-time metric") {
		t.Error("doc missing point-in-time metric annotation")
	}
	if !strings.Contains(doc, "Dates available: 2021-01-31 to 2022-12-31") {
		t.Error("doc missing date range")
	}
	if !strings.Contains(doc, "Default filters") {
		t.Error("doc missing default filters section")
	}
}

func TestTermDefinitions(t *testing.T) {
	ctx := mustParse(t)
	defs := ctx.TermDefinitions("Active Client")
	if len(defs) != 2 {
		t.Fatalf("expected 2 candidate definitions, got %d", len(defs))
	}
	if ctx.TermDefinitions("churn rate") != nil {
		t.Error("expected nil for undefined term")
	}
}

func TestMetricKindOf(t *testing.T) {
	ctx := mustParse(t)
	kind, ok := ctx.MetricKindOf("balance")
	if !ok || kind != schema.MetricPointInTime {
		t.Errorf("balance: got (%v, %v)", kind, ok)
	}
	kind, ok = ctx.MetricKindOf("amount")
	if !ok || kind != schema.MetricFlow {
		t.Errorf("amount: got (%v, %v)", kind, ok)
	}
	if _, ok := ctx.MetricKindOf("status"); ok {
		t.Error("status should carry no metric semantics")
	}
}

func TestMentionsVocabulary(t *testing.T) {
	ctx := mustParse(t)
	cases := map[string]bool{
		"Rank clients by total revenue in 2022":        true,
		"Rank clients by end-of-month balance":         true,
		"Count accounts with status open":              true,
		"Forecast employee satisfaction for next year": false,
	}
	for option, want := range cases {
		if got := ctx.MentionsVocabulary(option); got != want {
			t.Errorf("MentionsVocabulary(%q) = %v, want %v", option, got, want)
		}
	}
}
