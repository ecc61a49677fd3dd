// Package memory implements conversation memory: the ordered, append-
// only history of sealed turns per conversation. Conversations grow
// monotonically; a sealed turn is never mutated in place. The in-memory
// map is the hot path, with sealed turns written through to persistent
// storage so history survives restarts and is rehydrated lazily on the
// first touch of a conversation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// ErrTurnInFlight is returned by Begin when the conversation already
// has a turn being processed. Turns within one conversation are
// strictly sequential; only turns of different conversations run
// concurrently.
var ErrTurnInFlight = errors.New("memory: conversation already has a turn in flight")

// Store is the persistence backend for sealed turns. Implemented by
// the SQLite store; nil disables persistence (tests, ephemeral runs).
type Store interface {
	SaveTurn(ctx context.Context, t *turn.Turn) error
	LoadConversation(ctx context.Context, conversationID string) ([]*turn.Turn, error)
}

// Conversations tracks every known conversation. It is safe for
// concurrent use; operations on different conversations never contend
// beyond the map lock.
type Conversations struct {
	mu     sync.Mutex
	convos map[string]*conversation
	store  Store
	logger *slog.Logger
}

// conversation owns its turns exclusively. loaded marks whether the
// persisted history has been rehydrated.
type conversation struct {
	turns    []*turn.Turn
	inFlight bool
	loaded   bool
}

// New creates a Conversations tracker. store may be nil; logger
// defaults to slog.Default.
func New(store Store, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversations{
		convos: make(map[string]*conversation),
		store:  store,
		logger: logger,
	}
}

// Begin claims the single in-flight turn slot for the conversation.
// The returned release function must be called when the turn finishes
// (sealed or aborted). Returns ErrTurnInFlight when another turn is
// being processed for the same conversation.
func (c *Conversations) Begin(conversationID string) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.convos[conversationID]
	if conv == nil {
		conv = &conversation{}
		c.convos[conversationID] = conv
	}
	if conv.inFlight {
		return nil, fmt.Errorf("%w: %s", ErrTurnInFlight, conversationID)
	}
	conv.inFlight = true

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			conv.inFlight = false
			c.mu.Unlock()
		})
	}, nil
}

// History returns a snapshot of the conversation's sealed turns, oldest
// first. The persisted history is loaded on first access. Mutating the
// returned slice does not affect the tracker.
func (c *Conversations) History(ctx context.Context, conversationID string) ([]*turn.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.loadLocked(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]*turn.Turn, len(conv.turns))
	copy(out, conv.turns)
	return out, nil
}

// Append records a sealed turn at the end of its conversation and
// writes it through to the store. Appending an unsealed turn is a
// programming error.
func (c *Conversations) Append(ctx context.Context, t *turn.Turn) error {
	if !t.Sealed() {
		return fmt.Errorf("memory: refusing to append unsealed turn %s", t.ID)
	}

	c.mu.Lock()
	conv, err := c.loadLocked(ctx, t.ConversationID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	conv.turns = append(conv.turns, t)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveTurn(ctx, t); err != nil {
			return fmt.Errorf("memory: persist turn %s: %w", t.ID, err)
		}
	}

	c.logger.Debug("memory: turn appended",
		"conversation_id", t.ConversationID,
		"turn_id", t.ID,
		"scenario", string(t.Scenario),
	)
	return nil
}

// loadLocked returns the conversation, rehydrating persisted history on
// first touch. Must be called with mu held.
func (c *Conversations) loadLocked(ctx context.Context, conversationID string) (*conversation, error) {
	conv := c.convos[conversationID]
	if conv == nil {
		conv = &conversation{}
		c.convos[conversationID] = conv
	}
	if conv.loaded || c.store == nil {
		conv.loaded = true
		return conv, nil
	}

	persisted, err := c.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("memory: load conversation %s: %w", conversationID, err)
	}
	for _, t := range persisted {
		t.MarkSealed()
	}
	// Persisted turns precede anything appended in this process run.
	conv.turns = append(persisted, conv.turns...)
	conv.loaded = true

	if len(persisted) > 0 {
		c.logger.Debug("memory: conversation rehydrated",
			"conversation_id", conversationID,
			"turns", len(persisted),
		)
	}
	return conv, nil
}

// FormatHistory renders a turn history as the plain transcript injected
// into collaborator prompts. Returns "(none)" for a fresh conversation
// so templates never interpolate an empty block.
func FormatHistory(turns []*turn.Turn) string {
	if len(turns) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString("User: ")
		sb.WriteString(t.Question)
		sb.WriteString("\nAssistant: ")
		sb.WriteString(t.Answer)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
