// Package classify routes an incoming question before anything is
// executed. Two stages: the intent classifier decides whether the
// question needs data at all, and the clarity gate decides whether a
// data question is explicit enough to execute. Both stages use a model
// collaborator but never trust it: every verdict is re-validated in Go
// against the closed decision sets and the declared schema context
// before it is allowed to steer the turn.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

// Route is the outcome of the intent stage.
type Route string

const (
	// RoutePleasantry: no data needed; greetings, thanks, small talk,
	// or a question already answered earlier in the conversation.
	RoutePleasantry Route = "PLEASANTRY"
	// RouteNoData: the question is about concepts absent from the
	// schema context; answering would require data that does not exist.
	RouteNoData Route = "NO_DATA"
	// RouteContinue: the question plausibly targets available data and
	// moves on to the clarity gate.
	RouteContinue Route = "CONTINUE"
)

// Intent is the validated result of the intent stage.
type Intent struct {
	Route  Route
	Reason string
}

// Verdict is the validated result of the clarity gate.
type Verdict struct {
	// Clear is true when the question can be executed as asked.
	Clear bool
	// Reason names the ambiguity class when Clear is false: one of
	// ambiguous_metric, ambiguous_method, undefined_term.
	Reason string
	// AppliedDefaults are the declared default filters the gate decided
	// apply to this question. Their disclosures become assumptions on
	// the eventual answer.
	AppliedDefaults []schema.DefaultFilter
}

// Classifier runs both routing stages against one schema context.
type Classifier struct {
	gen    llm.Generator
	sch    *schema.Context
	logger *slog.Logger
}

// New creates a Classifier. logger defaults to slog.Default.
func New(gen llm.Generator, sch *schema.Context, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{gen: gen, sch: sch, logger: logger}
}

type intentPayload struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type clarityPayload struct {
	Verdict         string   `json:"verdict"`
	Reason          string   `json:"reason"`
	AppliedDefaults []string `json:"applied_defaults"`
}

// Intent decides whether the question needs data at all. Errors from
// the collaborator propagate to the caller, which fails closed into
// clarification rather than guessing a route.
func (c *Classifier) Intent(ctx context.Context, question, history string) (*Intent, error) {
	resp, err := c.gen.Generate(ctx, llm.Request{
		Template: llm.TemplateIntentDecision,
		Vars: map[string]any{
			"Question": question,
			"History":  history,
			"Doc":      c.sch.Doc(),
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: intent decision: %w", err)
	}

	var payload intentPayload
	if err := llm.DecodeInto("intent_decision", resp.Text, &payload); err != nil {
		return nil, fmt.Errorf("classify: intent decision: %w", err)
	}

	route := Route(payload.Decision)
	// A NO_DATA verdict for a question that names schema vocabulary is
	// suspect. Send it through the clarity gate instead of refusing.
	if route == RouteNoData && c.sch.MentionsVocabulary(question) {
		c.logger.Warn("classify: NO_DATA verdict overridden, question mentions schema vocabulary",
			"reason", payload.Reason)
		route = RouteContinue
	}

	c.logger.Debug("classify: intent decided", "route", string(route), "reason", payload.Reason)
	return &Intent{Route: route, Reason: payload.Reason}, nil
}

// Clarity decides whether a data question is explicit enough to
// execute. The model's verdict is post-checked: a question using a
// business term with multiple declared definitions is always ambiguous,
// and claimed default filters that the schema does not declare are
// dropped.
func (c *Classifier) Clarity(ctx context.Context, question, history string) (*Verdict, error) {
	resp, err := c.gen.Generate(ctx, llm.Request{
		Template: llm.TemplateClarityCheck,
		Vars: map[string]any{
			"Question": question,
			"History":  history,
			"Doc":      c.sch.Doc(),
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: clarity check: %w", err)
	}

	var payload clarityPayload
	if err := llm.DecodeInto("clarity_check", resp.Text, &payload); err != nil {
		return nil, fmt.Errorf("classify: clarity check: %w", err)
	}

	v := &Verdict{
		Clear:  payload.Verdict == "CLEAR",
		Reason: payload.Reason,
	}

	if term, ok := c.multiDefinitionTerm(question); ok {
		// Multiple definitions exist for a term the user relied on.
		// No model verdict can make that executable as asked.
		if v.Clear || v.Reason == "" {
			c.logger.Debug("classify: forcing ambiguous verdict for multi-definition term", "term", term)
		}
		v.Clear = false
		v.Reason = "undefined_term"
	}

	for _, name := range payload.AppliedDefaults {
		def, ok := c.sch.DefaultByName(name)
		if !ok {
			c.logger.Warn("classify: dropped undeclared default filter", "name", name)
			continue
		}
		v.AppliedDefaults = append(v.AppliedDefaults, def)
	}

	if v.Clear {
		v.Reason = ""
	}
	c.logger.Debug("classify: clarity decided",
		"clear", v.Clear, "reason", v.Reason, "applied_defaults", len(v.AppliedDefaults))
	return v, nil
}

// multiDefinitionTerm returns the first declared business term that
// appears in the question and carries more than one definition.
func (c *Classifier) multiDefinitionTerm(question string) (string, bool) {
	lower := strings.ToLower(question)
	for _, t := range c.sch.Terms {
		if len(t.Definitions) > 1 && strings.Contains(lower, strings.ToLower(t.Term)) {
			return t.Term, true
		}
	}
	return "", false
}
