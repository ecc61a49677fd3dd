// Package clarify produces the clarification offered instead of an
// answer when a question is too ambiguous to execute. The model drafts
// candidate interpretations; this package enforces that what reaches
// the user is 2 or 3 mutually distinct options, each grounded in the
// declared schema vocabulary, and fails the turn closed when the draft
// cannot meet that bar.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
)

// ErrNotEnoughOptions reports that fewer than two usable interpretations
// survived validation.
var ErrNotEnoughOptions = errors.New("clarify: fewer than two usable interpretations")

// Clarification is what a CLARIFY turn shows instead of data.
type Clarification struct {
	// Explanation says in plain language why the question could not be
	// executed as asked.
	Explanation string
	// Options are the 2 or 3 candidate interpretations the user can
	// pick from.
	Options []string
}

// Generator drafts and validates clarifications.
type Generator struct {
	gen    llm.Generator
	sch    *schema.Context
	logger *slog.Logger
}

// New creates a Generator. logger defaults to slog.Default.
func New(gen llm.Generator, sch *schema.Context, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{gen: gen, sch: sch, logger: logger}
}

type clarificationPayload struct {
	Explanation string   `json:"explanation"`
	Options     []string `json:"options"`
}

// Generate drafts a clarification for an ambiguous question. reason is
// the ambiguity class from the clarity gate and steers the prompt.
func (g *Generator) Generate(ctx context.Context, question, history, reason string) (*Clarification, error) {
	resp, err := g.gen.Generate(ctx, llm.Request{
		Template: llm.TemplateClarification,
		Vars: map[string]any{
			"Question": question,
			"History":  history,
			"Doc":      g.sch.Doc(),
			"Reason":   reason,
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("clarify: draft clarification: %w", err)
	}

	var payload clarificationPayload
	if err := llm.DecodeInto("clarification", resp.Text, &payload); err != nil {
		return nil, fmt.Errorf("clarify: draft clarification: %w", err)
	}

	options := g.vetOptions(payload.Options)
	if len(options) < 2 {
		return nil, fmt.Errorf("%w: %d of %d drafted options usable",
			ErrNotEnoughOptions, len(options), len(payload.Options))
	}
	if len(options) > 3 {
		options = options[:3]
	}

	explanation := strings.TrimSpace(payload.Explanation)
	if explanation == "" {
		explanation = "Your question could be read in more than one way."
	}
	return &Clarification{Explanation: explanation, Options: options}, nil
}

// vetOptions drops empty, duplicate, and vocabulary-free options,
// preserving draft order.
func (g *Generator) vetOptions(drafted []string) []string {
	var options []string
	seen := make(map[string]struct{}, len(drafted))
	for _, opt := range drafted {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key := strings.ToLower(opt)
		if _, dup := seen[key]; dup {
			continue
		}
		// Interpretations must point at something the schema actually
		// has; anything else invites the user to pick an unanswerable
		// reading.
		if !g.sch.MentionsVocabulary(opt) {
			g.logger.Warn("clarify: dropped option outside schema vocabulary", "option", opt)
			continue
		}
		seen[key] = struct{}{}
		options = append(options, opt)
	}
	return options
}

// Fallback is the system clarification used when classification or
// drafting itself failed. It asks the user to restate the question
// without guessing at an interpretation.
func Fallback() *Clarification {
	return &Clarification{
		Explanation: "I couldn't confidently interpret your question, so I'd rather ask than guess.",
		Options: []string{
			"Restate the question naming the exact metric or table you mean.",
			"Break the question into smaller, more specific questions.",
		},
	}
}
