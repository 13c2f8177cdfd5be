package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// HistoryLimit bounds the message history returned for a room.
	HistoryLimit = 100
	// MaxMessageLength bounds chat message bodies, counted in runes.
	MaxMessageLength = 1000

	fallbackDisplayName = "Usuario"

	opFindOrCreate  = "chat.find_or_create"
	opSendMessage   = "chat.send_message"
	opSetStatus     = "chat.set_status"
	opGetRoom       = "chat.get_room"
	opListRooms     = "chat.list_rooms"
	opListMessages  = "chat.list_messages"
	opPurgeExpired  = "chat.purge_expired"
	opAppendMessage = "chat.append_message"
)

var (
	// ErrRoomNotFound indicates the room was absent when the operation ran.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrNotMember indicates the caller does not belong to the room.
	ErrNotMember = errors.New("chat: user is not a member of the room")
	// ErrRoomRejected indicates the room was rejected and accepts no further messages.
	ErrRoomRejected = errors.New("chat: room was rejected")
	// ErrMessagingDisabled indicates the recipient opted out of direct messages.
	ErrMessagingDisabled = errors.New("chat: recipient does not accept messages")
	// ErrInvalidText indicates a blank or oversized message body.
	ErrInvalidText = errors.New("chat: invalid message text")

	errMissingDatabase   = errors.New("chat: database connection required")
	errMissingTransactor = errors.New("chat: transactor required")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Directory resolves the profile snapshot used for display names and the messaging opt-in.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Transactor *store.Transactor
	Clock      func() time.Time
	IDProvider store.IDProvider
	Publisher  realtime.Publisher
	Subscriber realtime.Subscriber
	Directory  Directory
	Hooks      []MessageHook
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service implements the chat handshake.
type Service struct {
	db         *gorm.DB
	transactor *store.Transactor
	clock      func() time.Time
	ids        store.IDProvider
	publisher  realtime.Publisher
	subscriber realtime.Subscriber
	directory  Directory
	hooks      []MessageHook
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Transactor == nil {
		return nil, errMissingTransactor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	subscriber := cfg.Subscriber
	if subscriber == nil {
		subscriber = realtime.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		transactor: cfg.Transactor,
		clock:      clock,
		ids:        ids,
		publisher:  cfg.Publisher,
		subscriber: subscriber,
		directory:  cfg.Directory,
		hooks:      append([]MessageHook(nil), cfg.Hooks...),
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// FindOrCreate returns the unique room of the pair, creating it in pending when absent, and
// appends one context message carrying contextText on behalf of the initiator. A rejected room
// stays rejected.
func (s *Service) FindOrCreate(ctx context.Context, initiatorID, authorID, contextText string) (Room, Message, error) {
	pair, err := CanonicalPair(initiatorID, authorID)
	if err != nil {
		return Room{}, Message{}, newServiceError(opFindOrCreate, "invalid_pair", err)
	}
	body, err := normalizeText(contextText)
	if err != nil {
		return Room{}, Message{}, newServiceError(opFindOrCreate, "invalid_text", err)
	}

	names, err := s.snapshotNames(ctx, initiatorID, authorID)
	if err != nil {
		return Room{}, Message{}, err
	}

	room, created, err := s.findOrInsertRoom(ctx, pair, names)
	if err != nil {
		return Room{}, Message{}, err
	}
	if created {
		publishRoom(s.publisher, room, realtime.EventDocumentAdded)
	}
	if room.Status == StatusRejected {
		return Room{}, Message{}, newServiceError(opFindOrCreate, "rejected", ErrRoomRejected)
	}

	message, err := s.appendMessage(ctx, room, initiatorID, body, true)
	if err != nil {
		return Room{}, Message{}, err
	}
	if reloaded, err := s.GetRoom(ctx, room.ID); err == nil {
		room = reloaded
	}
	return room, message, nil
}

func (s *Service) snapshotNames(ctx context.Context, initiatorID, authorID string) (store.StringMap, error) {
	names := store.StringMap{
		initiatorID: fallbackDisplayName,
		authorID:    fallbackDisplayName,
	}
	if s.directory == nil {
		return names, nil
	}
	for _, userID := range []string{initiatorID, authorID} {
		profile, err := s.directory.GetProfile(ctx, userID)
		if err != nil {
			if errors.Is(err, users.ErrProfileNotFound) {
				continue
			}
			s.logError(opFindOrCreate, "profile_lookup_failed", err, zap.String("user_id", userID))
			return nil, newServiceError(opFindOrCreate, "profile_lookup_failed", err)
		}
		if userID == authorID && !profile.AllowsMessaging {
			return nil, newServiceError(opFindOrCreate, "messaging_disabled", ErrMessagingDisabled)
		}
		if profile.AnonymousName != "" {
			names[userID] = profile.AnonymousName
		}
	}
	return names, nil
}

func (s *Service) findOrInsertRoom(ctx context.Context, pair [2]string, names store.StringMap) (Room, bool, error) {
	key := memberKey(pair)
	var room Room
	err := s.db.WithContext(ctx).Where("member_key = ?", key).Limit(1).Take(&room).Error
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opFindOrCreate, "lookup_failed", err, zap.String("member_key", key))
		return Room{}, false, newServiceError(opFindOrCreate, "lookup_failed", err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opFindOrCreate, "id_generation_failed", err)
		return Room{}, false, newServiceError(opFindOrCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	candidate := Room{
		ID:          id,
		MemberKey:   key,
		MemberA:     pair[0],
		MemberB:     pair[1],
		MemberNames: names,
		Status:      StatusPending,
		ExpiresAt:   now.Add(RoomTTL),
		CreatedAt:   now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "member_key"}}, DoNothing: true}).
		Create(&candidate)
	if result.Error != nil {
		s.logError(opFindOrCreate, "insert_failed", result.Error, zap.String("member_key", key))
		return Room{}, false, newServiceError(opFindOrCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return candidate, true, nil
	}
	// the other member created the room concurrently
	if err := s.db.WithContext(ctx).Where("member_key = ?", key).Take(&room).Error; err != nil {
		s.logError(opFindOrCreate, "reload_failed", err, zap.String("member_key", key))
		return Room{}, false, newServiceError(opFindOrCreate, "reload_failed", err)
	}
	return room, false, nil
}

// SendMessage appends a normal message. Rejected rooms refuse new messages.
func (s *Service) SendMessage(ctx context.Context, roomID, senderID, text string) (Message, error) {
	body, err := normalizeText(text)
	if err != nil {
		return Message{}, newServiceError(opSendMessage, "invalid_text", err)
	}
	room, err := s.memberRoom(ctx, opSendMessage, roomID, senderID)
	if err != nil {
		return Message{}, err
	}
	if room.Status == StatusRejected {
		return Message{}, newServiceError(opSendMessage, "rejected", ErrRoomRejected)
	}
	return s.appendMessage(ctx, room, senderID, body, false)
}

func (s *Service) appendMessage(ctx context.Context, room Room, senderID, text string, isContext bool) (Message, error) {
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opAppendMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opAppendMessage, "id_generation_failed", err)
	}
	message := Message{
		ID:        id,
		RoomID:    room.ID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: s.clock().UTC(),
		IsContext: isContext,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppendMessage, "insert_failed", err, zap.String("room_id", room.ID))
		return Message{}, newServiceError(opAppendMessage, "insert_failed", err)
	}

	kind := "normal"
	if isContext {
		kind = "context"
	}
	s.metrics.IncMessage(kind)
	realtime.PublishAll(s.publisher, realtime.EventDocumentAdded, []string{message.ID}, realtime.MessagesTopic(room.ID))

	// hooks see only committed messages; their failures leave the message in place
	for _, hook := range s.hooks {
		if err := hook.AfterMessageCreated(ctx, message); err != nil {
			s.logger.Warn("message hook failed",
				zap.String("room_id", room.ID),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}
	return message, nil
}

// Accept marks the room active. A rejected room cannot be accepted.
func (s *Service) Accept(ctx context.Context, roomID, userID string) (Room, error) {
	return s.setStatus(ctx, roomID, userID, StatusActive)
}

// Reject marks the room rejected. History is kept.
func (s *Service) Reject(ctx context.Context, roomID, userID string) (Room, error) {
	return s.setStatus(ctx, roomID, userID, StatusRejected)
}

func (s *Service) setStatus(ctx context.Context, roomID, userID string, status Status) (Room, error) {
	var updated Room
	err := s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		var current Room
		if err := tx.Where("id = ?", roomID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if !current.HasMember(userID) {
			return ErrNotMember
		}
		updated = current
		if current.Status == status {
			return nil
		}
		if current.Status == StatusRejected {
			return ErrRoomRejected
		}
		if err := store.UpdateVersioned(tx, &Room{}, current.ID, current.Version, map[string]any{"status": status}); err != nil {
			return err
		}
		updated.Status = status
		updated.Version = current.Version + 1
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomNotFound):
			return Room{}, newServiceError(opSetStatus, "not_found", err)
		case errors.Is(err, ErrNotMember):
			return Room{}, newServiceError(opSetStatus, "not_member", err)
		case errors.Is(err, ErrRoomRejected):
			return Room{}, newServiceError(opSetStatus, "rejected", err)
		}
		s.logError(opSetStatus, "transaction_failed", err,
			zap.String("room_id", roomID),
			zap.String("status", string(status)))
		return Room{}, newServiceError(opSetStatus, "transaction_failed", err)
	}
	publishRoom(s.publisher, updated, realtime.EventDocumentChanged)
	return updated, nil
}

// GetRoom loads one room.
func (s *Service) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opGetRoom, "not_found", ErrRoomNotFound)
	}
	if err != nil {
		s.logError(opGetRoom, "query_failed", err, zap.String("room_id", roomID))
		return Room{}, newServiceError(opGetRoom, "query_failed", err)
	}
	return room, nil
}

// MemberRoom loads a room on behalf of one of its members.
func (s *Service) MemberRoom(ctx context.Context, roomID, userID string) (Room, error) {
	return s.memberRoom(ctx, opGetRoom, roomID, userID)
}

func (s *Service) memberRoom(ctx context.Context, operation, roomID, userID string) (Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.HasMember(userID) {
		return Room{}, newServiceError(operation, "not_member", ErrNotMember)
	}
	return room, nil
}

// ListRooms returns every room of the user, latest activity first. Rejected rooms are included.
func (s *Service) ListRooms(ctx context.Context, userID string) ([]Room, error) {
	rooms := []Room{}
	err := s.db.WithContext(ctx).
		Where("member_a = ? OR member_b = ?", userID, userID).
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		s.logError(opListRooms, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListRooms, "query_failed", err)
	}
	return rooms, nil
}

// ListMessages returns the latest HistoryLimit messages of a room, oldest first.
func (s *Service) ListMessages(ctx context.Context, roomID, userID string) ([]Message, error) {
	if _, err := s.memberRoom(ctx, opListMessages, roomID, userID); err != nil {
		return nil, err
	}
	messages := []Message{}
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(HistoryLimit).
		Find(&messages).Error
	if err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("room_id", roomID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// PurgeExpired deletes rooms whose expiry passed, together with their messages.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []Room
	err := s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		expired = nil
		if err := tx.Where("expires_at < ?", now.UTC()).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, 0, len(expired))
		for _, room := range expired {
			ids = append(ids, room.ID)
		}
		if err := tx.Where("room_id IN ?", ids).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Room{}).Error
	})
	if err != nil {
		s.logError(opPurgeExpired, "transaction_failed", err)
		return 0, newServiceError(opPurgeExpired, "transaction_failed", err)
	}

	for _, room := range expired {
		publishRoom(s.publisher, room, realtime.EventDocumentRemoved)
	}
	s.metrics.AddRoomsPurged(len(expired))
	return len(expired), nil
}

// RunExpirySweeper calls PurgeExpired every interval until ctx is cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.PurgeExpired(ctx, s.clock())
			if err != nil {
				continue
			}
			if purged > 0 {
				s.logger.Info("expired chat rooms purged", zap.Int("count", purged))
			}
		}
	}
}

// WatchRoom streams one room document.
func (s *Service) WatchRoom(ctx context.Context, roomID string) *realtime.Listener[Room] {
	return realtime.Watch(ctx, s.subscriber, realtime.RoomTopic(roomID), func(loadCtx context.Context) (Room, error) {
		return s.GetRoom(loadCtx, roomID)
	})
}

// WatchMessages streams the history of a room for one of its members.
func (s *Service) WatchMessages(ctx context.Context, roomID, userID string) *realtime.Listener[[]Message] {
	return realtime.Watch(ctx, s.subscriber, realtime.MessagesTopic(roomID), func(loadCtx context.Context) ([]Message, error) {
		return s.ListMessages(loadCtx, roomID, userID)
	})
}

// WatchRooms streams every room of the user.
func (s *Service) WatchRooms(ctx context.Context, userID string) *realtime.Listener[[]Room] {
	return realtime.Watch(ctx, s.subscriber, realtime.MemberRoomsTopic(userID), func(loadCtx context.Context) ([]Room, error) {
		return s.ListRooms(loadCtx, userID)
	})
}

func normalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", ErrInvalidText
	}
	return trimmed, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
