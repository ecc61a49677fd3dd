// Package turn defines the unit of work of the copilot: one user
// question, the scenario it was routed to, and everything disclosed in
// the answer. A turn is populated incrementally by the orchestration
// pipeline, sealed exactly once when composition finishes, and never
// re-opened afterwards.
package turn

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scenario is the closed classification of a turn. It governs which
// collaborators may be invoked: only QUERY turns ever touch the query
// engine.
type Scenario string

const (
	// ScenarioPleasantry covers greetings, thanks, small talk, and
	// questions already answered earlier in the conversation.
	ScenarioPleasantry Scenario = "PLEASANTRY"
	// ScenarioNoData covers questions about concepts entirely absent
	// from the schema context.
	ScenarioNoData Scenario = "NO_DATA"
	// ScenarioQuery covers clear analytical questions that were
	// executed against data.
	ScenarioQuery Scenario = "QUERY"
	// ScenarioClarify covers ambiguous questions answered with
	// candidate interpretations instead of data.
	ScenarioClarify Scenario = "CLARIFY"
)

// Valid reports whether s is one of the four known scenarios.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioPleasantry, ScenarioNoData, ScenarioQuery, ScenarioClarify:
		return true
	}
	return false
}

// Turn is one question/answer exchange. Fields are written by the
// orchestrator as the turn moves through the pipeline; after Seal
// succeeds the turn is immutable by convention and enforced in Append
// paths via Sealed.
type Turn struct {
	// ID is the unique turn identifier (UUID).
	ID string
	// ConversationID is a back-reference to the owning conversation.
	// Turns are never enumerable independently of their conversation.
	ConversationID string
	// TraceID correlates logs and the audit record for this turn.
	TraceID string
	// Timestamp is when the user message arrived.
	Timestamp time.Time

	// Question is the raw user message.
	Question string
	// Scenario is set exactly once during classification/clarity
	// resolution.
	Scenario Scenario

	// GeneratedQuery is the query text produced by the query engine.
	// Empty for every non-QUERY scenario.
	GeneratedQuery string
	// ResultColumns and ResultRows hold the rows returned by the query
	// engine. Nil for non-QUERY scenarios; possibly empty for QUERY.
	ResultColumns []string
	ResultRows    [][]string

	// Assumptions are the ordered plain-language disclosures attached
	// to a QUERY answer. Empty for every other scenario, and possibly
	// empty for fully explicit questions.
	Assumptions []string

	// ClarificationOptions are the 2–3 candidate interpretations
	// offered on a CLARIFY turn. Empty for every other scenario.
	ClarificationOptions []string

	// Answer is the single user-facing reply.
	Answer string

	sealed bool
}

// New creates an open turn for the given conversation and question.
func New(conversationID, traceID, question string) *Turn {
	return &Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TraceID:        traceID,
		Timestamp:      time.Now().UTC(),
		Question:       question,
	}
}

// Validate checks the turn invariants:
//   - exactly one valid scenario tag is set;
//   - assumptions are non-empty only when scenario is QUERY;
//   - clarification options have cardinality 2 or 3 exactly when the
//     scenario is CLARIFY, and are empty otherwise;
//   - the query engine's outputs appear only on QUERY turns.
func (t *Turn) Validate() error {
	if !t.Scenario.Valid() {
		return fmt.Errorf("turn %s: invalid scenario %q", t.ID, t.Scenario)
	}
	if len(t.Assumptions) > 0 && t.Scenario != ScenarioQuery {
		return fmt.Errorf("turn %s: assumptions present on %s turn", t.ID, t.Scenario)
	}
	if t.Scenario == ScenarioClarify {
		if n := len(t.ClarificationOptions); n != 2 && n != 3 {
			return fmt.Errorf("turn %s: CLARIFY turn carries %d options, want 2 or 3", t.ID, n)
		}
	} else if len(t.ClarificationOptions) != 0 {
		return fmt.Errorf("turn %s: clarification options present on %s turn", t.ID, t.Scenario)
	}
	if t.Scenario != ScenarioQuery && (t.GeneratedQuery != "" || t.ResultRows != nil) {
		return fmt.Errorf("turn %s: query artifacts present on %s turn", t.ID, t.Scenario)
	}
	if t.Answer == "" {
		return fmt.Errorf("turn %s: sealed without an answer", t.ID)
	}
	return nil
}

// Seal validates the turn and marks it immutable. Sealing twice is a
// programming error.
func (t *Turn) Seal() error {
	if t.sealed {
		return fmt.Errorf("turn %s: already sealed", t.ID)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	t.sealed = true
	return nil
}

// Sealed reports whether the turn has been sealed.
func (t *Turn) Sealed() bool {
	return t.sealed
}

// MarkSealed restores the sealed flag on a turn rehydrated from
// persistent storage. It must only be used by the memory loader.
func (t *Turn) MarkSealed() {
	t.sealed = true
}
