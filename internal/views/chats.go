package views

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"go.uber.org/zap"
)

const (
	opChatsListen        = "chats.listen"
	opConversationListen = "conversation.listen"
	opConversationSend   = "conversation.send"
	opConversationStatus = "conversation.status"
	opConversationBlock  = "conversation.block"
	opConversationReport = "conversation.report"
)

// ErrRoomNotLoaded indicates an action that needs the room before its first snapshot arrived.
var ErrRoomNotLoaded = errors.New("views: room not loaded")

// RoomSource streams the rooms of a member.
type RoomSource interface {
	WatchRooms(ctx context.Context, userID string) *realtime.Listener[[]chat.Room]
}

// ChatListView partitions the user's rooms into pending and active buckets.
type ChatListView struct {
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	listener *realtime.Listener[[]chat.Room]
	logger   *zap.Logger

	state    *latest[chat.ChatList]
	notices  *noticeBoard
	consumer sync.WaitGroup
}

func NewChatListView(ctx context.Context, source RoomSource, userID string, logger *zap.Logger) (*ChatListView, error) {
	if source == nil || userID == "" {
		return nil, errors.New("views: room source and user required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	viewCtx, cancel := context.WithCancel(ctx)
	view := &ChatListView{
		ctx:     viewCtx,
		cancel:  cancel,
		logger:  logger,
		state:   newLatest[chat.ChatList](),
		notices: newNoticeBoard(),
	}
	view.listener = source.WatchRooms(viewCtx, userID)
	view.consumer.Add(1)
	go func() {
		defer view.consumer.Done()
		for rooms := range view.listener.Snapshots() {
			view.state.set(chat.Partition(rooms))
		}
		if err := view.listener.Err(); err != nil && !view.closed.Load() {
			view.logger.Warn("chat list listener stopped", zap.String("user_id", userID), zap.Error(err))
			view.notices.raise(Notice{Operation: opChatsListen, Message: "No se pudieron cargar los chats", Err: err})
		}
	}()
	return view, nil
}

func (v *ChatListView) State() (chat.ChatList, bool) {
	return v.state.get()
}

func (v *ChatListView) Changes() <-chan struct{} {
	return v.state.changed
}

func (v *ChatListView) Notices() <-chan Notice {
	return v.notices.ch
}

func (v *ChatListView) Close() {
	if v.closed.Swap(true) {
		return
	}
	v.cancel()
	v.listener.Close()
	v.consumer.Wait()
}

// ConversationSource streams a room with its history and performs the handshake writes.
type ConversationSource interface {
	WatchRoom(ctx context.Context, roomID string) *realtime.Listener[chat.Room]
	WatchMessages(ctx context.Context, roomID, userID string) *realtime.Listener[[]chat.Message]
	SendMessage(ctx context.Context, roomID, senderID, text string) (chat.Message, error)
	Accept(ctx context.Context, roomID, userID string) (chat.Room, error)
	Reject(ctx context.Context, roomID, userID string) (chat.Room, error)
}

// ConversationState is the rendered conversation.
type ConversationState struct {
	Room     chat.Room
	Messages []chat.Message
	// AwaitingAcceptance is true while the room is pending and the user did not start it.
	AwaitingAcceptance bool
}

type ConversationViewConfig struct {
	Source   ConversationSource
	Blocker  Blocker
	Reporter Reporter
	RoomID   string
	UserID   string
	Logger   *zap.Logger
}

// ConversationView renders one room for one member.
type ConversationView struct {
	source   ConversationSource
	blocker  Blocker
	reporter Reporter
	roomID   string
	userID   string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	roomListener     *realtime.Listener[chat.Room]
	messagesListener *realtime.Listener[[]chat.Message]

	state    *latest[ConversationState]
	notices  *noticeBoard
	consumer sync.WaitGroup
}

func NewConversationView(ctx context.Context, cfg ConversationViewConfig) (*ConversationView, error) {
	if cfg.Source == nil || cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("views: conversation source, room and user required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	roomID, userID := cfg.RoomID, cfg.UserID
	viewCtx, cancel := context.WithCancel(ctx)
	view := &ConversationView{
		source:   cfg.Source,
		blocker:  cfg.Blocker,
		reporter: cfg.Reporter,
		roomID:   roomID,
		userID:   userID,
		logger:   logger,
		ctx:      viewCtx,
		cancel:   cancel,
		state:    newLatest[ConversationState](),
		notices:  newNoticeBoard(),
	}
	view.roomListener = cfg.Source.WatchRoom(viewCtx, roomID)
	view.messagesListener = cfg.Source.WatchMessages(viewCtx, roomID, userID)
	joined := realtime.CombineLatest(viewCtx,
		view.roomListener.Snapshots(),
		view.messagesListener.Snapshots(),
		view.render)
	view.consumer.Add(1)
	go func() {
		defer view.consumer.Done()
		for state := range joined {
			view.state.set(state)
		}
		if view.closed.Load() {
			return
		}
		view.cancel()
		view.roomListener.Close()
		view.messagesListener.Close()
		if err := errors.Join(view.roomListener.Err(), view.messagesListener.Err()); err != nil {
			view.logger.Warn("conversation listener stopped", zap.String("room_id", roomID), zap.Error(err))
			view.notices.raise(Notice{Operation: opConversationListen, Message: "No se pudo cargar la conversación", Err: err})
		}
	}()
	return view, nil
}

func (v *ConversationView) render(room chat.Room, messages []chat.Message) ConversationState {
	return ConversationState{
		Room:               room,
		Messages:           messages,
		AwaitingAcceptance: room.Status == chat.StatusPending && !v.startedBy(messages),
	}
}

func (v *ConversationView) startedBy(messages []chat.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsContext {
			return messages[i].SenderID == v.userID
		}
	}
	return false
}

func (v *ConversationView) State() (ConversationState, bool) {
	return v.state.get()
}

func (v *ConversationView) Changes() <-chan struct{} {
	return v.state.changed
}

func (v *ConversationView) Notices() <-chan Notice {
	return v.notices.ch
}

// Send appends a message; it shows up through the messages listener.
func (v *ConversationView) Send(text string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	_, err := v.source.SendMessage(context.WithoutCancel(v.ctx), v.roomID, v.userID, text)
	if err != nil && !v.closed.Load() {
		v.notices.raise(Notice{Operation: opConversationSend, Message: "No se pudo enviar el mensaje", Err: err})
	}
	return err
}

func (v *ConversationView) Accept() error {
	return v.setStatus(v.source.Accept)
}

func (v *ConversationView) Reject() error {
	return v.setStatus(v.source.Reject)
}

func (v *ConversationView) setStatus(write func(context.Context, string, string) (chat.Room, error)) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	_, err := write(context.WithoutCancel(v.ctx), v.roomID, v.userID)
	if err != nil && !v.closed.Load() {
		v.notices.raise(Notice{Operation: opConversationStatus, Message: "No se pudo actualizar el chat", Err: err})
	}
	return err
}

// Block adds the other member of the room to the user's block list.
func (v *ConversationView) Block() error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	if v.blocker == nil {
		return ErrActionUnavailable
	}
	state, ok := v.state.get()
	peer := state.Room.Peer(v.userID)
	if !ok || peer == "" {
		v.notices.raise(Notice{Operation: opConversationBlock, Message: "No se puede bloquear al usuario", Err: ErrRoomNotLoaded})
		return ErrRoomNotLoaded
	}
	_, err := v.blocker.BlockUser(context.WithoutCancel(v.ctx), v.userID, peer)
	if err != nil && !v.closed.Load() {
		v.logger.Warn("block failed", zap.String("room_id", v.roomID), zap.Error(err))
		v.notices.raise(Notice{Operation: opConversationBlock, Message: "No se pudo bloquear al usuario", Err: err})
	}
	return err
}

// Report flags one message of the room.
func (v *ConversationView) Report(messageID, reason string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	return fileReport(v.ctx, v.reporter, v.notices, v.closed.Load,
		opConversationReport, messageID, confessions.ItemMessage, v.userID, reason)
}

func (v *ConversationView) Close() {
	if v.closed.Swap(true) {
		return
	}
	v.cancel()
	v.roomListener.Close()
	v.messagesListener.Close()
	v.consumer.Wait()
}
