// Package audit produces the immutable audit trail of the copilot.
// Every sealed turn yields exactly one audit record capturing what the
// user asked, how the turn was routed, and everything disclosed in the
// answer. Records are written asynchronously so a slow disk never
// delays the user-facing reply; persistent write failures are counted
// and surfaced through the status endpoint instead of being swallowed.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdinu-hash/analytics-copilot/common/retry"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// Record is the persisted projection of a sealed turn. It carries the
// full disclosure set so an auditor can reconstruct the exchange
// without replaying any model call.
type Record struct {
	TurnID         string
	ConversationID string
	TraceID        string
	Timestamp      time.Time

	Question string
	Scenario string

	GeneratedQuery       string
	ResultColumns        []string
	ResultRows           [][]string
	Assumptions          []string
	ClarificationOptions []string

	Answer string
}

// RecordOf projects a sealed turn into its audit record. Calling it on
// an unsealed turn is a programming error.
func RecordOf(t *turn.Turn) (*Record, error) {
	if !t.Sealed() {
		return nil, errors.New("audit: refusing to record unsealed turn")
	}
	return &Record{
		TurnID:               t.ID,
		ConversationID:       t.ConversationID,
		TraceID:              t.TraceID,
		Timestamp:            t.Timestamp,
		Question:             t.Question,
		Scenario:             string(t.Scenario),
		GeneratedQuery:       t.GeneratedQuery,
		ResultColumns:        t.ResultColumns,
		ResultRows:           t.ResultRows,
		Assumptions:          t.Assumptions,
		ClarificationOptions: t.ClarificationOptions,
		Answer:               t.Answer,
	}, nil
}

// Writer persists audit records. Implemented by the SQLite store.
type Writer interface {
	WriteAuditRecord(ctx context.Context, rec *Record) error
}

// Recorder writes audit records in the background with bounded retries.
type Recorder struct {
	writer   Writer
	logger   *slog.Logger
	retryCfg retry.Config

	wg       sync.WaitGroup
	failures atomic.Int64
	written  atomic.Int64
}

// NewRecorder creates a Recorder. logger defaults to slog.Default.
func NewRecorder(writer Writer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := retry.DefaultConfig
	cfg.MaxAttempts = 3
	cfg.InitialDelay = 100 * time.Millisecond
	return &Recorder{
		writer:   writer,
		logger:   logger,
		retryCfg: cfg,
	}
}

// Record schedules the sealed turn's audit record for persistence and
// returns immediately. The write survives cancellation of the request
// context: once a turn completes, its record is owed to the trail. On
// permanent failure the failure counter is bumped and the loss is
// logged; the answer already delivered is not retracted.
func (r *Recorder) Record(ctx context.Context, t *turn.Turn) error {
	rec, err := RecordOf(t)
	if err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := retry.Do(bg, r.retryCfg, func() error {
			return r.writer.WriteAuditRecord(bg, rec)
		})
		if err != nil {
			r.failures.Add(1)
			r.logger.Error("audit: record permanently lost",
				"turn_id", rec.TurnID,
				"conversation_id", rec.ConversationID,
				"trace_id", rec.TraceID,
				"scenario", rec.Scenario,
				"error", err,
			)
			return
		}
		r.written.Add(1)
	}()
	return nil
}

// Failures reports how many records were permanently lost since start.
// A non-zero value is an operator signal, not a user-facing condition.
func (r *Recorder) Failures() int64 {
	return r.failures.Load()
}

// Written reports how many records were successfully persisted.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Drain blocks until all in-flight writes have finished. Called on
// shutdown so pending records reach the store before the process exits.
func (r *Recorder) Drain() {
	r.wg.Wait()
}
