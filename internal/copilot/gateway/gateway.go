// Package gateway connects the copilot to Matrix: each configured room
// is one conversation, and every text message from a room member is
// handled as a turn and answered in place.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mdinu-hash/analytics-copilot/internal/copilot/memory"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// Config holds Matrix gateway configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are the room IDs the copilot joins and answers in. Each
	// room is its own conversation.
	Rooms []string
	// DB is an optional SQLite connection used to persist the Matrix
	// sync token (next_batch) across restarts. When nil, an in-memory
	// store is used and all room history will be replayed on every
	// restart.
	DB *sql.DB
	// TurnTimeout bounds one turn end to end. Defaults to 2 minutes.
	TurnTimeout time.Duration
}

// TurnHandler processes one conversation turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, question string) (*turn.Turn, error)
}

// Gateway wraps the Matrix client.
type Gateway struct {
	client  *mautrix.Client
	config  *Config
	handler TurnHandler
	logger  *slog.Logger
	stopCh  chan struct{}
}

// New creates a Matrix gateway. logger defaults to slog.Default.
func New(config *Config, handler TurnHandler, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TurnTimeout == 0 {
		config.TurnTimeout = 2 * time.Minute
	}

	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gateway: create Matrix client: %w", err)
	}

	g := &Gateway{
		client:  client,
		config:  config,
		handler: handler,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	// Attach a persistent sync store so the bot resumes from the last
	// known position after a restart instead of replaying the full room
	// history (and re-answering every old question).
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		logger.Info("gateway: using persistent SQLite sync store")
	} else {
		logger.Warn("gateway: no DB configured, using in-memory sync store (history will replay on restart)")
	}

	return g, nil
}

// Start joins the configured rooms and begins syncing with the
// homeserver.
func (g *Gateway) Start(ctx context.Context) error {
	syncer := g.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, g.handleMessage)

	for _, roomID := range g.config.Rooms {
		if _, err := g.client.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("gateway: join room %s: %w", roomID, err)
		}
		g.logger.Info("gateway: joined room", "room_id", roomID)
	}

	// Sync in the background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill
	// the sync goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			started := time.Now()
			if err := g.client.Sync(); err != nil {
				// A sync that ran for a while before failing means the
				// connection was healthy; start the back-off over.
				if time.Since(started) > time.Minute {
					backoff = backoffMin
				}
				select {
				case <-g.stopCh:
					return
				default:
				}
				g.logger.Error("gateway: sync stopped, reconnecting", "error", err, "backoff", backoff)
				select {
				case <-g.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			return
		}
	}()

	return nil
}

// Stop stops the gateway.
func (g *Gateway) Stop() {
	close(g.stopCh)
	g.client.StopSync()
}

// isConfiguredRoom checks whether the copilot answers in this room.
func (g *Gateway) isConfiguredRoom(roomID string) bool {
	for _, r := range g.config.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// handleMessage runs one room message as a turn and replies in place.
func (g *Gateway) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(g.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	if !g.isConfiguredRoom(evt.RoomID.String()) {
		return
	}

	go g.answer(evt.RoomID, evt.ID, msg.Body)
}

func (g *Gateway) answer(roomID id.RoomID, eventID id.EventID, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.TurnTimeout)
	defer cancel()

	if _, err := g.client.UserTyping(ctx, roomID, true, g.config.TurnTimeout); err != nil {
		g.logger.Debug("gateway: typing indicator failed", "error", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_, _ = g.client.UserTyping(stopCtx, roomID, false, 0)
	}()

	t, err := g.handler.HandleTurn(ctx, roomID.String(), question)
	if err != nil {
		if errors.Is(err, memory.ErrTurnInFlight) {
			g.sendNotice(roomID, "Still working on the previous question in this room, one moment.")
			return
		}
		g.logger.Error("gateway: turn failed", "room_id", roomID.String(), "error", err)
		g.sendNotice(roomID, "Something went wrong handling that question. Please try again.")
		return
	}

	g.reply(roomID, eventID, t.Answer)
}

func (g *Gateway) reply(roomID id.RoomID, eventID id.EventID, message string) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: eventID},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := g.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		g.logger.Error("gateway: send reply", "room_id", roomID.String(), "error", err)
	}
}

func (g *Gateway) sendNotice(roomID id.RoomID, message string) {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := g.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		g.logger.Error("gateway: send notice", "room_id", roomID.String(), "error", err)
	}
}
