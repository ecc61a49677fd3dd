// Package llm provides access to the external text-generation
// collaborator. The copilot never lets the model act on its own: every
// call goes out as a named prompt template plus structured variables,
// and every structured reply is validated against a JSON Schema before
// any decision is made from it.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimit is returned by a Generator when the upstream API reports
// a rate-limiting condition (e.g. HTTP 429 Too Many Requests).
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// ErrMalformedOutput is returned when the model produces output that
// cannot be interpreted as the expected structure (JSON parse failure
// or schema violation). Callers treat this as a classification failure
// and fail closed.
var ErrMalformedOutput = errors.New("llm: malformed response from model")

// ErrUnknownTemplate is returned when a request names a prompt template
// that is not registered.
var ErrUnknownTemplate = errors.New("llm: unknown prompt template")

// Request identifies a prompt template and the variables to render it
// with. Vars keys must match the template's placeholders; missing keys
// render as empty strings.
type Request struct {
	// Template is the registered prompt template identifier,
	// e.g. "intent_decision" or "answer_query".
	Template string

	// Vars are the structured variables substituted into the template.
	Vars map[string]any

	// JSONMode requests a structured (JSON object) reply from the
	// model. Decision prompts set this; answer-phrasing prompts do not.
	JSONMode bool
}

// Response is the raw model reply for one Request.
type Response struct {
	// Text is the generated text. For JSONMode requests this is a JSON
	// object which the caller decodes with DecodeInto.
	Text string

	// Usage holds token counts reported by the provider. Nil when the
	// provider does not report usage (e.g. test stubs).
	Usage *TokenUsage
}

// TokenUsage carries the token counts reported by the upstream API for
// a single call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Model is the model name as echoed back by the provider.
	Model string
	// LatencyMS is the observed HTTP round-trip time in milliseconds.
	LatencyMS int64
}

// Generator is the text-generation collaborator.
//
// Implementations must be safe for concurrent use from multiple
// goroutines and must honour ctx cancellation and deadlines; exceeding
// the configured timeout is a collaborator failure, not a hang.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
