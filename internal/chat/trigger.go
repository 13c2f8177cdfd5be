package chat

import (
	"context"
	"errors"
	"time"

	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// RoomTTL is how long a room lives after its latest message.
	RoomTTL = 7 * 24 * time.Hour
	// ContextPreview replaces the preview text when a confession opens the conversation.
	ContextPreview = "Se compartió una confesión..."

	opDenormalize = "chat.denormalize"
)

// MessageHook runs after a message has been committed.
type MessageHook interface {
	AfterMessageCreated(ctx context.Context, message Message) error
}

// Preview is the room state derived from one message.
type Preview struct {
	Text      *string
	SenderID  *string
	Status    Status
	At        time.Time
	ExpiresAt time.Time
}

// PreviewFor derives the denormalized room fields for a message.
func PreviewFor(message Message) Preview {
	at := message.CreatedAt.UTC()
	preview := Preview{
		At:        at,
		ExpiresAt: at.Add(RoomTTL),
	}
	if message.IsContext {
		text := ContextPreview
		preview.Text = &text
		preview.Status = StatusPending
		return preview
	}
	text := message.Text
	sender := message.SenderID
	preview.Text = &text
	preview.SenderID = &sender
	preview.Status = StatusActive
	return preview
}

func (p Preview) matches(room Room) bool {
	return room.Status == p.Status &&
		equalString(room.LastMessageText, p.Text) &&
		equalString(room.LastMessageSenderID, p.SenderID) &&
		room.LastMessageAt != nil && room.LastMessageAt.Equal(p.At) &&
		room.ExpiresAt.Equal(p.ExpiresAt)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type DenormalizerConfig struct {
	Transactor *store.Transactor
	Publisher  realtime.Publisher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Denormalizer mirrors the latest message onto its room. Reapplying a message is a no-op, and a
// message older than the current preview never regresses it. A rejected room keeps its status;
// only the preview fields follow the message.
type Denormalizer struct {
	transactor *store.Transactor
	publisher  realtime.Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewDenormalizer(cfg DenormalizerConfig) (*Denormalizer, error) {
	if cfg.Transactor == nil {
		return nil, errMissingTransactor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Denormalizer{
		transactor: cfg.Transactor,
		publisher:  cfg.Publisher,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

func (d *Denormalizer) AfterMessageCreated(ctx context.Context, message Message) error {
	preview := PreviewFor(message)
	outcome := "applied"
	var room Room
	err := d.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		outcome = "applied"
		if err := tx.Where("id = ?", message.RoomID).Take(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		target := preview
		if room.Status == StatusRejected {
			target.Status = StatusRejected
		}
		if target.matches(room) {
			outcome = "unchanged"
			return nil
		}
		if room.LastMessageAt != nil && target.At.Before(*room.LastMessageAt) {
			outcome = "stale"
			return nil
		}
		if err := store.UpdateVersioned(tx, &Room{}, room.ID, room.Version, map[string]any{
			"last_message_text":      target.Text,
			"last_message_sender_id": target.SenderID,
			"last_message_at":        target.At,
			"expires_at":             target.ExpiresAt,
			"status":                 target.Status,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		d.metrics.IncTriggerRun("failed")
		d.logger.Error("chat denormalization failed",
			zap.String("operation", opDenormalize),
			zap.String("room_id", message.RoomID),
			zap.String("message_id", message.ID),
			zap.Error(err))
		if errors.Is(err, ErrRoomNotFound) {
			return newServiceError(opDenormalize, "room_not_found", err)
		}
		return newServiceError(opDenormalize, "transaction_failed", err)
	}

	d.metrics.IncTriggerRun(outcome)
	if outcome == "applied" {
		publishRoom(d.publisher, room, realtime.EventDocumentChanged)
	}
	return nil
}

func publishRoom(publisher realtime.Publisher, room Room, kind string) {
	realtime.PublishAll(publisher, kind, []string{room.ID},
		realtime.RoomTopic(room.ID),
		realtime.MemberRoomsTopic(room.MemberA),
		realtime.MemberRoomsTopic(room.MemberB))
}
