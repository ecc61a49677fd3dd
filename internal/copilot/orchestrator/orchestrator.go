// Package orchestrator runs one conversation turn end to end: route the
// question, decide between clarification and execution, compose the
// scenario-conditioned answer, and seal and audit the result. The
// routing rules are deliberately conservative: any collaborator failure
// before execution turns into a clarification request instead of a
// guessed answer, and only a turn routed to the QUERY scenario ever
// reaches the query engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mdinu-hash/analytics-copilot/common/trace"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/assumptions"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/classify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/clarify"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/compose"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/memory"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/schema"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// Engine is the query backend as the orchestrator sees it: retry policy
// already applied.
type Engine interface {
	Answer(ctx context.Context, req queryengine.Request) (*queryengine.Result, error)
}

// Recorder receives every sealed turn for the audit trail.
type Recorder interface {
	Record(ctx context.Context, t *turn.Turn) error
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Classifier *classify.Classifier
	Clarifier  *clarify.Generator
	Engine     Engine
	Extractor  *assumptions.Extractor
	Composer   *compose.Composer
	Memory     *memory.Conversations
	Recorder   Recorder
	Schema     *schema.Context
	Logger     *slog.Logger
}

// Counts are the per-scenario turn counters exposed on the status
// endpoint.
type Counts struct {
	Pleasantry int64 `json:"pleasantry"`
	NoData     int64 `json:"no_data"`
	Query      int64 `json:"query"`
	Clarify    int64 `json:"clarify"`
	Aborted    int64 `json:"aborted"`
}

// Orchestrator handles turns. Safe for concurrent use; turns within one
// conversation are serialized by conversation memory.
type Orchestrator struct {
	deps Deps

	pleasantry atomic.Int64
	noData     atomic.Int64
	query      atomic.Int64
	clarifies  atomic.Int64
	aborted    atomic.Int64
}

// New creates an Orchestrator. Deps.Logger defaults to slog.Default.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

// HandleTurn processes one user question in its conversation and
// returns the sealed turn. Returns memory.ErrTurnInFlight when the
// conversation is busy. When the context is cancelled mid-turn the turn
// is aborted: no answer, no memory append, no audit record.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID, question string) (*turn.Turn, error) {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		traceID = trace.NewID()
		ctx = trace.WithID(ctx, traceID)
	}
	logger := o.deps.Logger.With("trace_id", traceID, "conversation_id", conversationID)

	release, err := o.deps.Memory.Begin(conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := o.deps.Memory.History(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	hist := memory.FormatHistory(history)

	t := turn.New(conversationID, traceID, question)
	logger = logger.With("turn_id", t.ID)
	logger.Info("turn started", "question_length", len(question))

	if err := o.route(ctx, t, hist, logger); err != nil {
		o.aborted.Add(1)
		logger.Warn("turn aborted", "error", err)
		return nil, err
	}

	if err := t.Seal(); err != nil {
		o.aborted.Add(1)
		return nil, fmt.Errorf("orchestrator: seal turn: %w", err)
	}

	// The answer is committed; persistence and audit must not be lost
	// to a request context that expires right after.
	bg := context.WithoutCancel(ctx)
	if err := o.deps.Memory.Append(bg, t); err != nil {
		logger.Error("turn not persisted to conversation memory", "error", err)
	}
	if err := o.deps.Recorder.Record(ctx, t); err != nil {
		logger.Error("turn not scheduled for audit", "error", err)
	}

	o.count(t.Scenario)
	logger.Info("turn sealed", "scenario", string(t.Scenario))
	return t, nil
}

// route fills in scenario, answer, and disclosures. It returns an error
// only when the turn must be aborted (context cancelled); every other
// failure is absorbed into a conservative answer.
func (o *Orchestrator) route(ctx context.Context, t *turn.Turn, hist string, logger *slog.Logger) error {
	intent, err := o.deps.Classifier.Intent(ctx, t.Question, hist)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("intent classification failed, asking instead of guessing", "error", err)
		o.failClosed(t)
		return nil
	}

	switch intent.Route {
	case classify.RoutePleasantry:
		return o.pleasantryTurn(ctx, t, hist, logger)
	case classify.RouteNoData:
		return o.noDataTurn(ctx, t, hist, intent.Reason, logger)
	}

	verdict, err := o.deps.Classifier.Clarity(ctx, t.Question, hist)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("clarity check failed, asking instead of guessing", "error", err)
		o.failClosed(t)
		return nil
	}

	if !verdict.Clear {
		return o.clarifyTurn(ctx, t, hist, verdict.Reason, logger)
	}
	return o.queryTurn(ctx, t, hist, verdict, logger)
}

func (o *Orchestrator) pleasantryTurn(ctx context.Context, t *turn.Turn, hist string, logger *slog.Logger) error {
	answer, err := o.deps.Composer.Pleasantry(ctx, t.Question, hist)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("pleasantry composition failed", "error", err)
		o.failClosed(t)
		return nil
	}
	t.Scenario = turn.ScenarioPleasantry
	t.Answer = answer
	return nil
}

func (o *Orchestrator) noDataTurn(ctx context.Context, t *turn.Turn, hist, reason string, logger *slog.Logger) error {
	answer, err := o.deps.Composer.NoData(ctx, t.Question, hist, reason)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("no-data composition failed", "error", err)
		o.failClosed(t)
		return nil
	}
	t.Scenario = turn.ScenarioNoData
	t.Answer = answer
	return nil
}

func (o *Orchestrator) clarifyTurn(ctx context.Context, t *turn.Turn, hist, reason string, logger *slog.Logger) error {
	cl, err := o.deps.Clarifier.Generate(ctx, t.Question, hist, reason)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("clarification drafting failed, using fallback", "error", err)
		cl = clarify.Fallback()
	}
	t.Scenario = turn.ScenarioClarify
	t.ClarificationOptions = cl.Options
	t.Answer = o.deps.Composer.Clarify(cl)
	return nil
}

func (o *Orchestrator) queryTurn(ctx context.Context, t *turn.Turn, hist string, verdict *classify.Verdict, logger *slog.Logger) error {
	res, err := o.deps.Engine.Answer(ctx, queryengine.Request{
		Question: t.Question,
		Doc:      o.deps.Schema.Doc(),
		History:  hist,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, queryengine.ErrNoAnswerableQuery) {
			logger.Info("engine found no answerable query, re-routing to no-data")
			return o.noDataTurn(ctx, t, hist, "the question could not be mapped to the available data", logger)
		}
		// Retry already happened inside the engine adapter. The turn
		// ends with an honest refusal and no fabricated data.
		logger.Error("query engine unavailable, turn ends without data", "error", err)
		t.Scenario = turn.ScenarioQuery
		t.Answer = o.deps.Composer.Unavailable()
		return nil
	}

	disclosures := o.deps.Extractor.Extract(ctx, t.Question, res.Query, hist, verdict.AppliedDefaults)

	answer, err := o.deps.Composer.Query(ctx, t.Question, hist, res, disclosures)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("query answer composition failed", "error", err)
		answer = o.deps.Composer.Unavailable()
		disclosures = nil
		res = &queryengine.Result{}
	}

	t.Scenario = turn.ScenarioQuery
	t.GeneratedQuery = res.Query
	t.ResultColumns = res.Columns
	t.ResultRows = res.Rows
	t.Assumptions = disclosures
	t.Answer = answer
	return nil
}

// failClosed turns an unroutable question into a clarification request.
func (o *Orchestrator) failClosed(t *turn.Turn) {
	cl := clarify.Fallback()
	t.Scenario = turn.ScenarioClarify
	t.ClarificationOptions = cl.Options
	t.Answer = o.deps.Composer.Clarify(cl)
}

func (o *Orchestrator) count(s turn.Scenario) {
	switch s {
	case turn.ScenarioPleasantry:
		o.pleasantry.Add(1)
	case turn.ScenarioNoData:
		o.noData.Add(1)
	case turn.ScenarioQuery:
		o.query.Add(1)
	case turn.ScenarioClarify:
		o.clarifies.Add(1)
	}
}

// TurnCounts returns the per-scenario counters since process start.
func (o *Orchestrator) TurnCounts() Counts {
	return Counts{
		Pleasantry: o.pleasantry.Load(),
		NoData:     o.noData.Load(),
		Query:      o.query.Load(),
		Clarify:    o.clarifies.Load(),
		Aborted:    o.aborted.Load(),
	}
}
