package queryengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultGenieTimeout      = 60 * time.Second
	defaultGeniePollInterval = 2 * time.Second
)

// GenieConfig configures the Databricks Genie backend.
type GenieConfig struct {
	// BaseURL is the workspace URL, e.g. https://dbc-xxxx.cloud.databricks.com.
	BaseURL string
	// Token is the bearer token for the workspace API.
	Token string
	// SpaceID identifies the Genie space holding the curated tables.
	SpaceID string
	// Timeout bounds one whole question, polling included. Defaults to
	// 60 s.
	Timeout time.Duration
	// PollInterval is the wait between message status polls. Defaults
	// to 2 s.
	PollInterval time.Duration
}

// genieEngine implements Engine against the Genie conversation API:
// start a conversation with the question, poll the message until it
// reaches a terminal state, then fetch the query result attachment.
type genieEngine struct {
	cfg    GenieConfig
	client *http.Client
}

// NewGenie returns an Engine backed by a Databricks Genie space.
func NewGenie(cfg GenieConfig) Engine {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultGenieTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultGeniePollInterval
	}
	return &genieEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type genieStartResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type genieMessage struct {
	Status      string            `json:"status"`
	Error       *genieError       `json:"error,omitempty"`
	Attachments []genieAttachment `json:"attachments"`
}

type genieError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type genieAttachment struct {
	AttachmentID string `json:"attachment_id"`
	Text         *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	Query *struct {
		Query       string `json:"query"`
		Description string `json:"description"`
	} `json:"query,omitempty"`
}

type genieQueryResult struct {
	StatementResponse struct {
		Manifest struct {
			Schema struct {
				Columns []struct {
					Name string `json:"name"`
				} `json:"columns"`
			} `json:"schema"`
		} `json:"manifest"`
		Result struct {
			DataArray [][]string `json:"data_array"`
		} `json:"result"`
	} `json:"statement_response"`
}

func (g *genieEngine) Answer(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var start genieStartResponse
	err := g.call(ctx, http.MethodPost,
		fmt.Sprintf("/api/2.0/genie/spaces/%s/start-conversation", g.cfg.SpaceID),
		map[string]string{"content": req.Question},
		&start,
	)
	if err != nil {
		return nil, fmt.Errorf("queryengine: start conversation: %w", err)
	}

	msg, err := g.awaitMessage(ctx, start.ConversationID, start.MessageID)
	if err != nil {
		return nil, err
	}

	var queryAtt *genieAttachment
	for i := range msg.Attachments {
		if msg.Attachments[i].Query != nil {
			queryAtt = &msg.Attachments[i]
			break
		}
	}
	// A completed message with only a text attachment means Genie could
	// not produce a query for the question.
	if queryAtt == nil {
		return nil, ErrNoAnswerableQuery
	}

	var qr genieQueryResult
	err = g.call(ctx, http.MethodGet,
		fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages/%s/attachments/%s/query-result",
			g.cfg.SpaceID, start.ConversationID, start.MessageID, queryAtt.AttachmentID),
		nil, &qr,
	)
	if err != nil {
		return nil, fmt.Errorf("queryengine: fetch query result: %w", err)
	}

	res := &Result{
		Query:       queryAtt.Query.Query,
		Description: queryAtt.Query.Description,
		Rows:        qr.StatementResponse.Result.DataArray,
	}
	for _, col := range qr.StatementResponse.Manifest.Schema.Columns {
		res.Columns = append(res.Columns, col.Name)
	}
	return res, nil
}

// awaitMessage polls the message until Genie reports a terminal status.
func (g *genieEngine) awaitMessage(ctx context.Context, conversationID, messageID string) (*genieMessage, error) {
	path := fmt.Sprintf("/api/2.0/genie/spaces/%s/conversations/%s/messages/%s",
		g.cfg.SpaceID, conversationID, messageID)

	for {
		var msg genieMessage
		if err := g.call(ctx, http.MethodGet, path, nil, &msg); err != nil {
			return nil, fmt.Errorf("queryengine: poll message: %w", err)
		}

		switch msg.Status {
		case "COMPLETED":
			return &msg, nil
		case "FAILED", "CANCELLED", "QUERY_RESULT_EXPIRED":
			if msg.Error != nil {
				return nil, fmt.Errorf("queryengine: message %s: %s: %s", msg.Status, msg.Error.Type, msg.Error.Message)
			}
			return nil, fmt.Errorf("queryengine: message ended with status %s", msg.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

func (g *genieEngine) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
