// Package queryengine is the boundary to the natural-language-to-query
// backend. The engine is the only collaborator allowed to produce data,
// and only the QUERY path of the orchestrator ever reaches it.
package queryengine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mdinu-hash/analytics-copilot/common/retry"
)

// ErrNoAnswerableQuery reports a structural failure: the engine parsed
// the question but could not map it to any query over the available
// data. It is never retried; the orchestrator re-routes such turns to a
// no-data answer.
var ErrNoAnswerableQuery = errors.New("queryengine: no answerable query for question")

// Request is one question handed to the engine, with the schema
// documentation and conversation transcript as grounding.
type Request struct {
	Question string
	Doc      string
	History  string
}

// Result is the engine's full output for one question.
type Result struct {
	// Query is the generated query text, disclosed verbatim in the
	// audit record.
	Query string
	// Description is the engine's own interpretation of the question.
	Description string
	// Columns and Rows are the result set, already rendered to strings.
	Columns []string
	Rows    [][]string
}

// Engine produces a query and its results for a natural-language
// question.
type Engine interface {
	Answer(ctx context.Context, req Request) (*Result, error)
}

// Adapter wraps an Engine with the service's failure policy: transient
// failures get exactly one retry, structural failures surface
// immediately, and a second transient failure is terminal for the turn.
type Adapter struct {
	engine Engine
	logger *slog.Logger
	cfg    retry.Config
}

// NewAdapter wraps engine. logger defaults to slog.Default.
func NewAdapter(engine Engine, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine: engine,
		logger: logger,
		cfg: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 500 * time.Millisecond,
			ShouldRetry: func(err error) bool {
				return !errors.Is(err, ErrNoAnswerableQuery) &&
					!errors.Is(err, context.Canceled) &&
					!errors.Is(err, context.DeadlineExceeded)
			},
		},
	}
}

// Answer calls the engine with the retry policy applied.
func (a *Adapter) Answer(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	err := retry.Do(ctx, a.cfg, func() error {
		r, err := a.engine.Answer(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoAnswerableQuery) {
			a.logger.Info("queryengine: no answerable query", "question", req.Question)
		} else {
			a.logger.Error("queryengine: engine unavailable", "error", err)
		}
		return nil, err
	}
	return res, nil
}
