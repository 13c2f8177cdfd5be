package views

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/likes"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"go.uber.org/zap"
)

const (
	opDetailListen      = "detail.listen"
	opDetailToggleLike  = "detail.toggle_like"
	opDetailPostComment = "detail.post_comment"
	opDetailReport      = "detail.report"
)

// DetailSource streams one confession and its comments.
type DetailSource interface {
	WatchConfession(ctx context.Context, confessionID string) *realtime.Listener[confessions.Confession]
	WatchComments(ctx context.Context, confessionID string) *realtime.Listener[[]confessions.Comment]
}

// Commenter appends comments.
type Commenter interface {
	AddComment(ctx context.Context, confessionID, authorID, text string) (confessions.Comment, error)
}

// DetailState is the rendered confession detail.
type DetailState struct {
	Item     ConfessionItem
	Comments []confessions.Comment
}

type DetailViewConfig struct {
	Source       DetailSource
	Toggler      LikeToggler
	Commenter    Commenter
	Reporter     Reporter
	UserID       string
	ConfessionID string
	Window       time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

type detailSnapshot struct {
	confession confessions.Confession
	comments   []confessions.Comment
}

// DetailView joins a confession with its comments.
type DetailView struct {
	toggler      LikeToggler
	commenter    Commenter
	reporter     Reporter
	userID       string
	confessionID string
	tracker      *likes.Tracker
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	confessionListener *realtime.Listener[confessions.Confession]
	commentsListener   *realtime.Listener[[]confessions.Comment]

	mu   sync.Mutex
	last detailSnapshot
	have bool

	state    *latest[DetailState]
	notices  *noticeBoard
	consumer sync.WaitGroup
	writes   sync.WaitGroup
}

func NewDetailView(ctx context.Context, cfg DetailViewConfig) (*DetailView, error) {
	if cfg.Source == nil || cfg.Toggler == nil || cfg.Commenter == nil {
		return nil, errors.New("views: detail source, like toggler and commenter required")
	}
	if cfg.UserID == "" || cfg.ConfessionID == "" {
		return nil, errors.New("views: user and confession required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	viewCtx, cancel := context.WithCancel(ctx)
	view := &DetailView{
		toggler:      cfg.Toggler,
		commenter:    cfg.Commenter,
		reporter:     cfg.Reporter,
		userID:       cfg.UserID,
		confessionID: cfg.ConfessionID,
		tracker:      likes.NewTracker(cfg.Window, cfg.Clock),
		logger:       logger,
		ctx:          viewCtx,
		cancel:       cancel,
		state:        newLatest[DetailState](),
		notices:      newNoticeBoard(),
	}
	view.confessionListener = cfg.Source.WatchConfession(viewCtx, cfg.ConfessionID)
	view.commentsListener = cfg.Source.WatchComments(viewCtx, cfg.ConfessionID)
	joined := realtime.CombineLatest(viewCtx,
		view.confessionListener.Snapshots(),
		view.commentsListener.Snapshots(),
		func(confession confessions.Confession, comments []confessions.Comment) detailSnapshot {
			return detailSnapshot{confession: confession, comments: comments}
		})
	view.consumer.Add(1)
	go view.consume(joined)
	return view, nil
}

func (v *DetailView) consume(joined <-chan detailSnapshot) {
	defer v.consumer.Done()
	for snapshot := range joined {
		v.mu.Lock()
		v.tracker.Apply(likeSnapshot(snapshot.confession, v.userID))
		v.last = snapshot
		v.have = true
		state := v.renderLocked()
		v.mu.Unlock()
		v.state.set(state)
	}
	if v.closed.Load() {
		return
	}
	// one side stopped; shut the other down and report the cause
	v.cancel()
	v.confessionListener.Close()
	v.commentsListener.Close()
	err := errors.Join(v.confessionListener.Err(), v.commentsListener.Err())
	if err != nil {
		v.logger.Warn("detail listener stopped", zap.String("confession_id", v.confessionID), zap.Error(err))
		v.notices.raise(Notice{Operation: opDetailListen, Message: "No se pudo cargar la confesión", Err: err})
	}
}

func (v *DetailView) renderLocked() DetailState {
	projection, ok := v.tracker.Visible(v.confessionID)
	if !ok {
		projection = likes.Projection{
			ConfessionID: v.last.confession.ID,
			Liked:        v.last.confession.LikedBy(v.userID),
			Count:        v.last.confession.LikesCount,
		}
	}
	return DetailState{
		Item:     itemFor(v.last.confession, projection),
		Comments: v.last.comments,
	}
}

func (v *DetailView) State() (DetailState, bool) {
	return v.state.get()
}

func (v *DetailView) Changes() <-chan struct{} {
	return v.state.changed
}

func (v *DetailView) Notices() <-chan Notice {
	return v.notices.ch
}

// ToggleLike behaves like FeedView.ToggleLike for the detail screen.
func (v *DetailView) ToggleLike() error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	v.mu.Lock()
	if !v.have {
		v.mu.Unlock()
		return ErrUnknownConfession
	}
	v.tracker.BeginToggle(v.confessionID)
	state := v.renderLocked()
	v.mu.Unlock()
	v.state.set(state)

	v.writes.Add(1)
	go func() {
		defer v.writes.Done()
		_, err := v.toggler.ToggleLike(context.WithoutCancel(v.ctx), v.confessionID, v.userID)
		if err == nil || v.closed.Load() {
			return
		}
		v.mu.Lock()
		v.tracker.Revert(v.confessionID)
		reverted := v.renderLocked()
		v.mu.Unlock()
		v.state.set(reverted)
		v.logger.Warn("like toggle failed", zap.String("confession_id", v.confessionID), zap.Error(err))
		v.notices.raise(Notice{Operation: opDetailToggleLike, Message: "No se pudo registrar el like", Err: err})
	}()
	return nil
}

// PostComment adds a comment. The comment appears once the comments listener delivers it.
func (v *DetailView) PostComment(text string) (confessions.Comment, error) {
	if v.closed.Load() {
		return confessions.Comment{}, ErrViewClosed
	}
	comment, err := v.commenter.AddComment(context.WithoutCancel(v.ctx), v.confessionID, v.userID, text)
	if err != nil {
		if !v.closed.Load() {
			v.notices.raise(Notice{Operation: opDetailPostComment, Message: "No se pudo publicar el comentario", Err: err})
		}
		return confessions.Comment{}, err
	}
	return comment, nil
}

// Report flags the confession itself.
func (v *DetailView) Report(reason string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	return fileReport(v.ctx, v.reporter, v.notices, v.closed.Load,
		opDetailReport, v.confessionID, confessions.ItemConfession, v.userID, reason)
}

// ReportComment flags one comment under the confession.
func (v *DetailView) ReportComment(commentID, reason string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	return fileReport(v.ctx, v.reporter, v.notices, v.closed.Load,
		opDetailReport, commentID, confessions.ItemComment, v.userID, reason)
}

func (v *DetailView) WaitWrites() {
	v.writes.Wait()
}

func (v *DetailView) Close() {
	if v.closed.Swap(true) {
		return
	}
	v.cancel()
	v.confessionListener.Close()
	v.commentsListener.Close()
	v.consumer.Wait()
}
