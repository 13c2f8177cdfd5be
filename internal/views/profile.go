package views

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/users"
	"go.uber.org/zap"
)

const (
	opMyPostsListen = "my_posts.listen"
	opProfileListen = "profile.listen"
	opProfileSave   = "profile.save"
)

// AuthorSource streams the confessions written by one user.
type AuthorSource interface {
	WatchByAuthor(ctx context.Context, authorID string) *realtime.Listener[[]confessions.Confession]
}

// ProfileSource streams a profile and saves edits to it.
type ProfileSource interface {
	WatchProfile(ctx context.Context, userID string) *realtime.Listener[users.Profile]
	UpdateProfile(ctx context.Context, userID string, update users.ProfileUpdate) (users.Profile, error)
}

// single mirrors one listener into a latest value and reports why it stopped.
type single[T any] struct {
	cancel   context.CancelFunc
	closed   atomic.Bool
	listener *realtime.Listener[T]

	state    *latest[T]
	notices  *noticeBoard
	consumer sync.WaitGroup
}

func watchSingle[T any](ctx context.Context, logger *zap.Logger, operation, message string,
	start func(context.Context) *realtime.Listener[T]) (*single[T], context.Context) {
	viewCtx, cancel := context.WithCancel(ctx)
	s := &single[T]{
		cancel:  cancel,
		state:   newLatest[T](),
		notices: newNoticeBoard(),
	}
	s.listener = start(viewCtx)
	s.consumer.Add(1)
	go func() {
		defer s.consumer.Done()
		for value := range s.listener.Snapshots() {
			s.state.set(value)
		}
		if err := s.listener.Err(); err != nil && !s.closed.Load() {
			logger.Warn("view listener stopped", zap.String("operation", operation), zap.Error(err))
			s.notices.raise(Notice{Operation: operation, Message: message, Err: err})
		}
	}()
	return s, viewCtx
}

func (s *single[T]) close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.listener.Close()
	s.consumer.Wait()
}

// MyPostsView lists the user's own confessions, newest first.
type MyPostsView struct {
	stream *single[[]confessions.Confession]
}

func NewMyPostsView(ctx context.Context, source AuthorSource, userID string, logger *zap.Logger) (*MyPostsView, error) {
	if source == nil || userID == "" {
		return nil, errors.New("views: author source and user required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stream, _ := watchSingle(ctx, logger, opMyPostsListen, "No se pudieron cargar tus confesiones",
		func(viewCtx context.Context) *realtime.Listener[[]confessions.Confession] {
			return source.WatchByAuthor(viewCtx, userID)
		})
	return &MyPostsView{stream: stream}, nil
}

func (v *MyPostsView) State() ([]confessions.Confession, bool) {
	return v.stream.state.get()
}

func (v *MyPostsView) Changes() <-chan struct{} {
	return v.stream.state.changed
}

func (v *MyPostsView) Notices() <-chan Notice {
	return v.stream.notices.ch
}

func (v *MyPostsView) Close() {
	v.stream.close()
}

// ProfileView shows the user's profile and saves edits. The anonymous name is never edited here.
type ProfileView struct {
	source ProfileSource
	userID string
	logger *zap.Logger
	ctx    context.Context
	stream *single[users.Profile]
}

func NewProfileView(ctx context.Context, source ProfileSource, userID string, logger *zap.Logger) (*ProfileView, error) {
	if source == nil || userID == "" {
		return nil, errors.New("views: profile source and user required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stream, viewCtx := watchSingle(ctx, logger, opProfileListen, "No se pudo cargar el perfil",
		func(viewCtx context.Context) *realtime.Listener[users.Profile] {
			return source.WatchProfile(viewCtx, userID)
		})
	return &ProfileView{source: source, userID: userID, logger: logger, ctx: viewCtx, stream: stream}, nil
}

func (v *ProfileView) State() (users.Profile, bool) {
	return v.stream.state.get()
}

func (v *ProfileView) Changes() <-chan struct{} {
	return v.stream.state.changed
}

func (v *ProfileView) Notices() <-chan Notice {
	return v.stream.notices.ch
}

// Save writes the editable profile fields. The saved profile arrives through the listener.
func (v *ProfileView) Save(update users.ProfileUpdate) error {
	if v.stream.closed.Load() {
		return ErrViewClosed
	}
	_, err := v.source.UpdateProfile(context.WithoutCancel(v.ctx), v.userID, update)
	if err != nil && !v.stream.closed.Load() {
		v.logger.Warn("profile save failed", zap.String("user_id", v.userID), zap.Error(err))
		v.stream.notices.raise(Notice{Operation: opProfileSave, Message: "No se pudo guardar el perfil", Err: err})
	}
	return err
}

func (v *ProfileView) Close() {
	v.stream.close()
}
