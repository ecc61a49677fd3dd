package queryengine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
)

// flakyEngine fails a configured number of calls before succeeding.
type flakyEngine struct {
	failures int
	err      error
	calls    int
}

func (f *flakyEngine) Answer(_ context.Context, _ queryengine.Request) (*queryengine.Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &queryengine.Result{
		Query:   "SELECT COUNT(*) FROM accounts",
		Columns: []string{"count"},
		Rows:    [][]string{{"42"}},
	}, nil
}

func TestAdapter_RetriesTransientOnce(t *testing.T) {
	eng := &flakyEngine{failures: 1, err: errors.New("connection reset")}
	a := queryengine.NewAdapter(eng, nil)

	res, err := a.Answer(context.Background(), queryengine.Request{Question: "how many accounts?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if eng.calls != 2 {
		t.Errorf("calls: got %d, want 2", eng.calls)
	}
	if res.Rows[0][0] != "42" {
		t.Errorf("result: %+v", res)
	}
}

func TestAdapter_SecondTransientFailureIsTerminal(t *testing.T) {
	eng := &flakyEngine{failures: 10, err: errors.New("timeout")}
	a := queryengine.NewAdapter(eng, nil)

	_, err := a.Answer(context.Background(), queryengine.Request{Question: "how many accounts?"})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if eng.calls != 2 {
		t.Errorf("calls: got %d, want exactly 2 (one retry)", eng.calls)
	}
}

func TestAdapter_StructuralFailureNotRetried(t *testing.T) {
	eng := &flakyEngine{failures: 10, err: queryengine.ErrNoAnswerableQuery}
	a := queryengine.NewAdapter(eng, nil)

	_, err := a.Answer(context.Background(), queryengine.Request{Question: "meaning of life?"})
	if !errors.Is(err, queryengine.ErrNoAnswerableQuery) {
		t.Fatalf("expected ErrNoAnswerableQuery, got %v", err)
	}
	if eng.calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retry on structural failure)", eng.calls)
	}
}

// genieTestServer speaks just enough of the Genie API for the client.
func genieTestServer(t *testing.T, withQuery bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/2.0/genie/spaces/space-1/start-conversation", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"conversation_id": "conv-1",
			"message_id":      "msg-1",
		})
	})
	mux.HandleFunc("GET /api/2.0/genie/spaces/space-1/conversations/conv-1/messages/msg-1", func(w http.ResponseWriter, r *http.Request) {
		msg := map[string]any{"status": "COMPLETED"}
		if withQuery {
			msg["attachments"] = []map[string]any{{
				"attachment_id": "att-1",
				"query": map[string]string{
					"query":       "SELECT region, SUM(revenue) FROM sales GROUP BY region",
					"description": "Revenue by region",
				},
			}}
		} else {
			msg["attachments"] = []map[string]any{{
				"attachment_id": "att-1",
				"text":          map[string]string{"content": "I cannot answer that from the available data."},
			}}
		}
		json.NewEncoder(w).Encode(msg)
	})
	mux.HandleFunc("GET /api/2.0/genie/spaces/space-1/conversations/conv-1/messages/msg-1/attachments/att-1/query-result", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"statement_response": map[string]any{
				"manifest": map[string]any{
					"schema": map[string]any{
						"columns": []map[string]string{{"name": "region"}, {"name": "revenue"}},
					},
				},
				"result": map[string]any{
					"data_array": [][]string{{"EMEA", "1200"}, {"APAC", "900"}},
				},
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestGenie_AnswersQuestion(t *testing.T) {
	srv := genieTestServer(t, true)
	defer srv.Close()

	eng := queryengine.NewGenie(queryengine.GenieConfig{
		BaseURL:      srv.URL,
		Token:        "test-token",
		SpaceID:      "space-1",
		PollInterval: 10 * time.Millisecond,
	})
	res, err := eng.Answer(context.Background(), queryengine.Request{Question: "revenue by region?"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(res.Query, "GROUP BY region") {
		t.Errorf("query: %q", res.Query)
	}
	if len(res.Columns) != 2 || res.Columns[0] != "region" {
		t.Errorf("columns: %+v", res.Columns)
	}
	if len(res.Rows) != 2 || res.Rows[1][1] != "900" {
		t.Errorf("rows: %+v", res.Rows)
	}
}

func TestGenie_TextOnlyReplyIsStructuralFailure(t *testing.T) {
	srv := genieTestServer(t, false)
	defer srv.Close()

	eng := queryengine.NewGenie(queryengine.GenieConfig{
		BaseURL:      srv.URL,
		Token:        "test-token",
		SpaceID:      "space-1",
		PollInterval: 10 * time.Millisecond,
	})
	_, err := eng.Answer(context.Background(), queryengine.Request{Question: "meaning of life?"})
	if !errors.Is(err, queryengine.ErrNoAnswerableQuery) {
		t.Fatalf("expected ErrNoAnswerableQuery, got %v", err)
	}
}
