package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/audit"
)

// WriteAuditRecord appends one record to the audit trail. The trail is
// append-only; there is no update or delete path.
func (s *Store) WriteAuditRecord(ctx context.Context, rec *audit.Record) error {
	cols, err := marshalNullJSON(rec.ResultColumns, rec.ResultColumns == nil)
	if err != nil {
		return fmt.Errorf("store: marshal audit result columns: %w", err)
	}
	rows, err := marshalNullJSON(rec.ResultRows, rec.ResultRows == nil)
	if err != nil {
		return fmt.Errorf("store: marshal audit result rows: %w", err)
	}
	assumptions, err := marshalNullJSON(rec.Assumptions, len(rec.Assumptions) == 0)
	if err != nil {
		return fmt.Errorf("store: marshal audit assumptions: %w", err)
	}
	options, err := marshalNullJSON(rec.ClarificationOptions, len(rec.ClarificationOptions) == 0)
	if err != nil {
		return fmt.Errorf("store: marshal audit clarification options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			turn_id, conversation_id, trace_id, ts, question, scenario,
			generated_query, result_columns_json, result_rows_json,
			assumptions_json, clarification_options_json, answer
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.TurnID, rec.ConversationID, rec.TraceID, rec.Timestamp, rec.Question, rec.Scenario,
		rec.GeneratedQuery, cols, rows, assumptions, options, rec.Answer,
	)
	if err != nil {
		return fmt.Errorf("store: write audit record for turn %s: %w", rec.TurnID, err)
	}
	return nil
}

// GetAuditRecords retrieves the most recent audit records, newest first.
func (s *Store) GetAuditRecords(ctx context.Context, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, auditSelect+`
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// GetAuditByTrace retrieves the audit records of one trace, oldest
// first.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+`
		WHERE trace_id = ?
		ORDER BY ts ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit records by trace: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// GetAuditByConversation retrieves the audit records of one
// conversation, oldest first.
func (s *Store) GetAuditByConversation(ctx context.Context, conversationID string) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+`
		WHERE conversation_id = ?
		ORDER BY ts ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit records by conversation: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

const auditSelect = `
	SELECT turn_id, conversation_id, trace_id, ts, question, scenario,
	       generated_query, result_columns_json, result_rows_json,
	       assumptions_json, clarification_options_json, answer
	FROM audit_records
`

func scanAuditRecords(rows *sql.Rows) ([]*audit.Record, error) {
	var records []*audit.Record
	for rows.Next() {
		rec := &audit.Record{}
		var ts time.Time
		var cols, resRows, assumptions, options sql.NullString
		err := rows.Scan(
			&rec.TurnID, &rec.ConversationID, &rec.TraceID, &ts, &rec.Question, &rec.Scenario,
			&rec.GeneratedQuery, &cols, &resRows, &assumptions, &options, &rec.Answer,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit record: %w", err)
		}
		rec.Timestamp = ts
		if err := unmarshalNullJSON(cols, &rec.ResultColumns); err != nil {
			return nil, fmt.Errorf("store: decode audit result columns: %w", err)
		}
		if err := unmarshalNullJSON(resRows, &rec.ResultRows); err != nil {
			return nil, fmt.Errorf("store: decode audit result rows: %w", err)
		}
		if err := unmarshalNullJSON(assumptions, &rec.Assumptions); err != nil {
			return nil, fmt.Errorf("store: decode audit assumptions: %w", err)
		}
		if err := unmarshalNullJSON(options, &rec.ClarificationOptions); err != nil {
			return nil, fmt.Errorf("store: decode audit clarification options: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate audit records: %w", err)
	}
	return records, nil
}
