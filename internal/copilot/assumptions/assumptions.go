// Package assumptions surfaces the interpretive choices hidden inside
// an executed query: silently applied default filters, the date window
// of the source data, result truncation. Disclosures are written in
// plain business language; anything that leaks raw query syntax is
// discarded rather than shown.
package assumptions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

// maxHighlights caps the model-drafted disclosures per answer. Applied
// default filters are always disclosed on top of this cap.
const maxHighlights = 3

// Extractor derives the assumption disclosures for an executed query.
type Extractor struct {
	gen    llm.Generator
	sch    *schema.Context
	logger *slog.Logger
}

// New creates an Extractor. logger defaults to slog.Default.
func New(gen llm.Generator, sch *schema.Context, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{gen: gen, sch: sch, logger: logger}
}

type explanationPayload struct {
	Assumptions []string `json:"assumptions"`
}

// Extract returns the ordered disclosures for a QUERY answer: the
// disclosures of the default filters applied by the clarity gate first,
// then up to three model-drafted highlights about the query itself.
// A fully explicit question legitimately yields none. Extraction never
// fails the turn: if drafting fails, the applied-default disclosures
// are still returned.
func (e *Extractor) Extract(ctx context.Context, question, query, history string, applied []schema.DefaultFilter) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}

	for _, def := range applied {
		add(def.Disclosure)
	}

	resp, err := e.gen.Generate(ctx, llm.Request{
		Template: llm.TemplateQueryExplanation,
		Vars: map[string]any{
			"Question": question,
			"Query":    query,
			"History":  history,
			"Doc":      e.sch.Doc(),
		},
		JSONMode: true,
	})
	if err != nil {
		e.logger.Warn("assumptions: drafting failed, answering with default disclosures only", "error", err)
		return out
	}

	var payload explanationPayload
	if err := llm.DecodeInto("query_explanation", resp.Text, &payload); err != nil {
		e.logger.Warn("assumptions: malformed draft discarded", "error", err)
		return out
	}

	kept := 0
	for _, a := range payload.Assumptions {
		if kept >= maxHighlights {
			break
		}
		if leaksQuerySyntax(a) {
			e.logger.Warn("assumptions: dropped disclosure leaking query syntax", "disclosure", a)
			continue
		}
		before := len(out)
		add(a)
		if len(out) > before {
			kept++
		}
	}
	return out
}

// leaksQuerySyntax reports whether a drafted disclosure contains raw
// query fragments instead of business language. Keyword matching is
// case-sensitive on the uppercase forms so ordinary English "where" or
// "from" passes.
func leaksQuerySyntax(s string) bool {
	if strings.Contains(s, "`") {
		return true
	}
	for _, kw := range []string{"SELECT ", "WHERE ", " JOIN ", "GROUP BY", "ORDER BY", "FROM "} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, " sql") || strings.HasPrefix(lower, "sql")
}
