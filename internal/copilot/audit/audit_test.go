package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/audit"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

type fakeWriter struct {
	mu      sync.Mutex
	records []*audit.Record
	fail    int // number of calls to fail before succeeding
	calls   int
}

func (f *fakeWriter) WriteAuditRecord(_ context.Context, rec *audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("disk unavailable")
	}
	f.records = append(f.records, rec)
	return nil
}

func sealedQueryTurn(t *testing.T) *turn.Turn {
	t.Helper()
	tn := turn.New("conv-1", "t_abc", "how many accounts?")
	tn.Scenario = turn.ScenarioQuery
	tn.GeneratedQuery = "SELECT COUNT(*) FROM accounts"
	tn.ResultColumns = []string{"count"}
	tn.ResultRows = [][]string{{"42"}}
	tn.Answer = "You have 42 accounts."
	if err := tn.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return tn
}

func TestRecordOf_ProjectsDisclosures(t *testing.T) {
	tn := sealedQueryTurn(t)
	rec, err := audit.RecordOf(tn)
	if err != nil {
		t.Fatalf("RecordOf: %v", err)
	}
	if rec.TurnID != tn.ID || rec.Scenario != "QUERY" {
		t.Errorf("identity: %+v", rec)
	}
	if rec.GeneratedQuery != tn.GeneratedQuery || rec.Answer != tn.Answer {
		t.Errorf("disclosures not carried: %+v", rec)
	}
}

func TestRecordOf_RejectsUnsealed(t *testing.T) {
	tn := turn.New("conv-1", "t_abc", "hello")
	if _, err := audit.RecordOf(tn); err == nil {
		t.Fatal("expected error for unsealed turn")
	}
}

func TestRecorder_WritesAsync(t *testing.T) {
	w := &fakeWriter{}
	r := audit.NewRecorder(w, nil)

	if err := r.Record(context.Background(), sealedQueryTurn(t)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.Drain()

	if len(w.records) != 1 {
		t.Fatalf("got %d records, want 1", len(w.records))
	}
	if r.Written() != 1 || r.Failures() != 0 {
		t.Errorf("counters: written=%d failures=%d", r.Written(), r.Failures())
	}
}

func TestRecorder_RetriesTransientFailure(t *testing.T) {
	w := &fakeWriter{fail: 2}
	r := audit.NewRecorder(w, nil)

	if err := r.Record(context.Background(), sealedQueryTurn(t)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.Drain()

	if len(w.records) != 1 {
		t.Fatalf("record not written after retries: calls=%d", w.calls)
	}
	if r.Failures() != 0 {
		t.Errorf("failures counted for recovered write: %d", r.Failures())
	}
}

func TestRecorder_CountsPermanentFailure(t *testing.T) {
	w := &fakeWriter{fail: 100}
	r := audit.NewRecorder(w, nil)

	if err := r.Record(context.Background(), sealedQueryTurn(t)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.Drain()

	if r.Failures() != 1 {
		t.Errorf("failures: got %d, want 1", r.Failures())
	}
	if len(w.records) != 0 {
		t.Errorf("no record should have been written, got %d", len(w.records))
	}
}

func TestRecorder_SurvivesCancelledRequestContext(t *testing.T) {
	w := &fakeWriter{}
	r := audit.NewRecorder(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Record(ctx, sealedQueryTurn(t)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	r.Drain()

	if len(w.records) != 1 {
		t.Fatal("completed turn must be audited even after request context is cancelled")
	}
}
