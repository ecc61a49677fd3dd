package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// marshalNullJSON encodes v as a nullable JSON column, keeping NULL for
// nil slices so absent and empty stay distinguishable.
func marshalNullJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullJSON(ns sql.NullString, out any) error {
	if !ns.Valid {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), out)
}

// SaveTurn persists a sealed turn.
func (s *Store) SaveTurn(ctx context.Context, t *turn.Turn) error {
	cols, err := marshalNullJSON(t.ResultColumns, t.ResultColumns == nil)
	if err != nil {
		return fmt.Errorf("store: marshal result columns: %w", err)
	}
	rows, err := marshalNullJSON(t.ResultRows, t.ResultRows == nil)
	if err != nil {
		return fmt.Errorf("store: marshal result rows: %w", err)
	}
	assumptions, err := marshalNullJSON(t.Assumptions, len(t.Assumptions) == 0)
	if err != nil {
		return fmt.Errorf("store: marshal assumptions: %w", err)
	}
	options, err := marshalNullJSON(t.ClarificationOptions, len(t.ClarificationOptions) == 0)
	if err != nil {
		return fmt.Errorf("store: marshal clarification options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (
			id, conversation_id, trace_id, ts, question, scenario,
			generated_query, result_columns_json, result_rows_json,
			assumptions_json, clarification_options_json, answer
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ConversationID, t.TraceID, t.Timestamp, t.Question, string(t.Scenario),
		t.GeneratedQuery, cols, rows, assumptions, options, t.Answer,
	)
	if err != nil {
		return fmt.Errorf("store: save turn %s: %w", t.ID, err)
	}
	return nil
}

// LoadConversation returns the persisted turns of a conversation,
// oldest first.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) ([]*turn.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, trace_id, ts, question, scenario,
		       generated_query, result_columns_json, result_rows_json,
		       assumptions_json, clarification_options_json, answer
		FROM turns
		WHERE conversation_id = ?
		ORDER BY ts ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: query conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var turns []*turn.Turn
	for rows.Next() {
		t := &turn.Turn{}
		var scenario string
		var cols, resRows, assumptions, options sql.NullString
		err := rows.Scan(
			&t.ID, &t.ConversationID, &t.TraceID, &t.Timestamp, &t.Question, &scenario,
			&t.GeneratedQuery, &cols, &resRows, &assumptions, &options, &t.Answer,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.Scenario = turn.Scenario(scenario)
		if err := unmarshalNullJSON(cols, &t.ResultColumns); err != nil {
			return nil, fmt.Errorf("store: decode result columns for turn %s: %w", t.ID, err)
		}
		if err := unmarshalNullJSON(resRows, &t.ResultRows); err != nil {
			return nil, fmt.Errorf("store: decode result rows for turn %s: %w", t.ID, err)
		}
		if err := unmarshalNullJSON(assumptions, &t.Assumptions); err != nil {
			return nil, fmt.Errorf("store: decode assumptions for turn %s: %w", t.ID, err)
		}
		if err := unmarshalNullJSON(options, &t.ClarificationOptions); err != nil {
			return nil, fmt.Errorf("store: decode clarification options for turn %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate conversation %s: %w", conversationID, err)
	}
	return turns, nil
}
