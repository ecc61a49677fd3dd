// Package compose builds the final user-facing answer for each
// scenario. Narrative text is drafted by the model; everything the
// service has committed to disclose (assumptions, clarification
// options, conclusion qualifiers) is assembled deterministically around
// it so a drafting failure can never drop a disclosure.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/clarify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

// maxSuggestions caps the next-step suggestions appended to an answer.
const maxSuggestions = 2

// maxResultRows caps how many result rows are handed to the drafting
// prompt.
const maxResultRows = 50

// Composer drafts and assembles answers.
type Composer struct {
	gen    llm.Generator
	sch    *schema.Context
	logger *slog.Logger
}

// New creates a Composer. logger defaults to slog.Default.
func New(gen llm.Generator, sch *schema.Context, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{gen: gen, sch: sch, logger: logger}
}

// Pleasantry answers small talk conversationally. No data collaborator
// is involved.
func (c *Composer) Pleasantry(ctx context.Context, question, history string) (string, error) {
	text, err := c.draft(ctx, llm.TemplateAnswerPleasantry, map[string]any{
		"Question": question,
		"History":  history,
	})
	if err != nil {
		return "", fmt.Errorf("compose: pleasantry answer: %w", err)
	}
	return c.withSuggestions(ctx, question, history, text, false), nil
}

// NoData explains that the requested concept is not in the data and
// always offers alternatives the data can answer.
func (c *Composer) NoData(ctx context.Context, question, history, reason string) (string, error) {
	text, err := c.draft(ctx, llm.TemplateAnswerNoData, map[string]any{
		"Question": question,
		"History":  history,
		"Doc":      c.sch.Doc(),
		"Reason":   reason,
	})
	if err != nil {
		return "", fmt.Errorf("compose: no-data answer: %w", err)
	}
	return c.withSuggestions(ctx, question, history, text, true), nil
}

// Query turns an executed result set into a narrative answer, with the
// disclosure block and, when the query sums a point-in-time metric
// across periods, a qualifier naming the limitation.
func (c *Composer) Query(ctx context.Context, question, history string, res *queryengine.Result, disclosures []string) (string, error) {
	text, err := c.draft(ctx, llm.TemplateAnswerQuery, map[string]any{
		"Question": question,
		"History":  history,
		"Query":    res.Query,
		"Results":  formatResults(res.Columns, res.Rows),
	})
	if err != nil {
		return "", fmt.Errorf("compose: query answer: %w", err)
	}

	var sb strings.Builder
	if metric, bad := c.sumsPointInTimeAcrossPeriods(res.Query, res.Rows); bad {
		fmt.Fprintf(&sb, "Caution: %s is a point-in-time metric; summing it across periods double counts, so treat this total as indicative only.\n\n", metric)
	}
	sb.WriteString(text)
	if len(disclosures) > 0 {
		sb.WriteString("\n\nAssumptions:")
		for _, d := range disclosures {
			sb.WriteString("\n- ")
			sb.WriteString(d)
		}
	}
	return c.withSuggestions(ctx, question, history, sb.String(), false), nil
}

// Clarify renders a clarification deterministically. No model call is
// involved so the fail-closed path cannot itself fail.
func (c *Composer) Clarify(cl *clarify.Clarification) string {
	var sb strings.Builder
	sb.WriteString(cl.Explanation)
	sb.WriteString("\n\nDid you mean:")
	for i, opt := range cl.Options {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, opt)
	}
	sb.WriteString("\n\nReply with a number or rephrase your question.")
	return sb.String()
}

// Unavailable is the terminal answer when the query backend stayed down
// after its retry. It states plainly that nothing was computed.
func (c *Composer) Unavailable() string {
	return "The data service is unavailable right now, so I couldn't run your question. Nothing was computed. Please try again in a few minutes."
}

func (c *Composer) draft(ctx context.Context, template string, vars map[string]any) (string, error) {
	resp, err := c.gen.Generate(ctx, llm.Request{Template: template, Vars: vars})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("empty draft from %s", template)
	}
	return text, nil
}

type suggestionsPayload struct {
	Suggestions []string `json:"suggestions"`
}

// withSuggestions appends up to two next-step suggestions. Drafting
// failures degrade to no suggestions, except on no-data answers where
// alternatives are owed and fall back to naming the available tables.
func (c *Composer) withSuggestions(ctx context.Context, question, history, answer string, required bool) string {
	suggestions := c.suggest(ctx, question, history, answer)
	if len(suggestions) == 0 {
		if !required {
			return answer
		}
		suggestions = c.tableFallback()
		if len(suggestions) == 0 {
			return answer
		}
	}
	var sb strings.Builder
	sb.WriteString(answer)
	sb.WriteString("\n\nYou could also ask:")
	for _, s := range suggestions {
		sb.WriteString("\n- ")
		sb.WriteString(s)
	}
	return sb.String()
}

func (c *Composer) suggest(ctx context.Context, question, history, answer string) []string {
	resp, err := c.gen.Generate(ctx, llm.Request{
		Template: llm.TemplateNextSteps,
		Vars: map[string]any{
			"Question": question,
			"History":  history,
			"Doc":      c.sch.Doc(),
			"Results":  answer,
		},
		JSONMode: true,
	})
	if err != nil {
		c.logger.Warn("compose: suggestion drafting failed", "error", err)
		return nil
	}
	var payload suggestionsPayload
	if err := llm.DecodeInto("next_steps", resp.Text, &payload); err != nil {
		c.logger.Warn("compose: malformed suggestions discarded", "error", err)
		return nil
	}

	var out []string
	for _, s := range payload.Suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// tableFallback offers the declared tables as question subjects when no
// drafted alternatives are available.
func (c *Composer) tableFallback() []string {
	var out []string
	for _, tbl := range c.sch.Tables {
		out = append(out, fmt.Sprintf("Ask about %s (%s).", tbl.Name, strings.TrimRight(tbl.Description, ".")))
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// sumsPointInTimeAcrossPeriods reports whether the query sums a
// point-in-time metric over more than one period, and which metric.
func (c *Composer) sumsPointInTimeAcrossPeriods(query string, rows [][]string) (string, bool) {
	q := strings.ToLower(query)
	var metric string
	for _, m := range c.sch.PointInTimeMetrics() {
		if sumOver(q, strings.ToLower(m)) {
			metric = m
			break
		}
	}
	if metric == "" {
		return "", false
	}
	periodTerms := false
	for _, kw := range []string{"date", "month", "quarter", "year", "week", "period"} {
		if strings.Contains(q, kw) {
			periodTerms = true
			break
		}
	}
	if !periodTerms {
		return "", false
	}
	if len(rows) > 1 || strings.Contains(q, "group by") {
		return metric, true
	}
	return "", false
}

// sumOver reports whether q contains SUM(...) with metric inside the
// parentheses. q and metric are already lowercased.
func sumOver(q, metric string) bool {
	for i := 0; ; {
		idx := strings.Index(q[i:], "sum(")
		if idx < 0 {
			return false
		}
		start := i + idx + len("sum(")
		end := strings.IndexByte(q[start:], ')')
		if end < 0 {
			return false
		}
		if strings.Contains(q[start:start+end], metric) {
			return true
		}
		i = start + end
	}
}

// formatResults renders a result set as the plain grid handed to the
// drafting prompt.
func formatResults(columns []string, rows [][]string) string {
	if len(rows) == 0 {
		return "(no rows)"
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(columns, " | "))
	n := len(rows)
	if n > maxResultRows {
		n = maxResultRows
	}
	for _, row := range rows[:n] {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(row, " | "))
	}
	if len(rows) > maxResultRows {
		fmt.Fprintf(&sb, "\n... (%d more rows)", len(rows)-maxResultRows)
	}
	return sb.String()
}
