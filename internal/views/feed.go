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
	opFeedListen     = "feed.listen"
	opFeedToggleLike = "feed.toggle_like"
	opFeedPublish    = "feed.publish"
	opFeedReport     = "feed.report"
)

// FeedSource streams a community feed.
type FeedSource interface {
	WatchFeed(ctx context.Context, communityID string, order confessions.SortOrder) *realtime.Listener[[]confessions.Confession]
}

// LikeToggler commits a like toggle.
type LikeToggler interface {
	ToggleLike(ctx context.Context, confessionID, userID string) (confessions.Confession, error)
}

// FeedState is the rendered feed.
type FeedState struct {
	CommunityID string
	Sort        confessions.SortOrder
	Items       []ConfessionItem
}

type FeedViewConfig struct {
	Source      FeedSource
	Toggler     LikeToggler
	Publisher   ConfessionPublisher
	Reporter    Reporter
	UserID      string
	CommunityID string
	Sort        confessions.SortOrder
	Window      time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// FeedView renders one community feed with optimistic likes.
type FeedView struct {
	source      FeedSource
	toggler     LikeToggler
	publisher   ConfessionPublisher
	reporter    Reporter
	userID      string
	communityID string
	tracker     *likes.Tracker
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu         sync.Mutex
	sort       confessions.SortOrder
	generation int
	listener   *realtime.Listener[[]confessions.Confession]
	raw        []confessions.Confession

	state     *latest[FeedState]
	notices   *noticeBoard
	consumers sync.WaitGroup
	writes    sync.WaitGroup
}

func NewFeedView(ctx context.Context, cfg FeedViewConfig) (*FeedView, error) {
	if cfg.Source == nil || cfg.Toggler == nil {
		return nil, errors.New("views: feed source and like toggler required")
	}
	if cfg.UserID == "" || cfg.CommunityID == "" {
		return nil, errors.New("views: user and community required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	order := cfg.Sort
	if order == "" {
		order = confessions.SortRecent
	}
	viewCtx, cancel := context.WithCancel(ctx)
	view := &FeedView{
		source:      cfg.Source,
		toggler:     cfg.Toggler,
		publisher:   cfg.Publisher,
		reporter:    cfg.Reporter,
		userID:      cfg.UserID,
		communityID: cfg.CommunityID,
		tracker:     likes.NewTracker(cfg.Window, cfg.Clock),
		logger:      logger,
		ctx:         viewCtx,
		cancel:      cancel,
		sort:        order,
		state:       newLatest[FeedState](),
		notices:     newNoticeBoard(),
	}
	view.mu.Lock()
	view.startLocked()
	view.mu.Unlock()
	return view, nil
}

func (v *FeedView) startLocked() {
	v.generation++
	v.raw = nil
	listener := v.source.WatchFeed(v.ctx, v.communityID, v.sort)
	v.listener = listener
	generation := v.generation
	v.consumers.Add(1)
	go v.consume(listener, generation)
}

func (v *FeedView) consume(listener *realtime.Listener[[]confessions.Confession], generation int) {
	defer v.consumers.Done()
	for feed := range listener.Snapshots() {
		v.mu.Lock()
		if generation != v.generation {
			v.mu.Unlock()
			continue
		}
		v.raw = feed
		snapshots := make([]likes.Snapshot, 0, len(feed))
		for _, confession := range feed {
			snapshots = append(snapshots, likeSnapshot(confession, v.userID))
		}
		v.tracker.Sync(snapshots)
		state := v.renderLocked()
		v.mu.Unlock()
		v.state.set(state)
	}
	if err := listener.Err(); err != nil && !v.closed.Load() {
		v.logger.Warn("feed listener stopped", zap.String("community_id", v.communityID), zap.Error(err))
		v.notices.raise(Notice{Operation: opFeedListen, Message: "No se pudo cargar el feed", Err: err})
	}
}

func (v *FeedView) renderLocked() FeedState {
	items := make([]ConfessionItem, 0, len(v.raw))
	for _, confession := range v.raw {
		projection, ok := v.tracker.Visible(confession.ID)
		if !ok {
			projection = likes.Projection{
				ConfessionID: confession.ID,
				Liked:        confession.LikedBy(v.userID),
				Count:        confession.LikesCount,
			}
		}
		items = append(items, itemFor(confession, projection))
	}
	return FeedState{CommunityID: v.communityID, Sort: v.sort, Items: items}
}

// State returns the latest rendered feed; ok is false until the first snapshot arrives.
func (v *FeedView) State() (FeedState, bool) {
	return v.state.get()
}

// Changes signals after every state update. Signals coalesce.
func (v *FeedView) Changes() <-chan struct{} {
	return v.state.changed
}

// Notices delivers transient failure notices.
func (v *FeedView) Notices() <-chan Notice {
	return v.notices.ch
}

// SetSort restarts the feed listener with a new ordering.
func (v *FeedView) SetSort(order confessions.SortOrder) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	v.mu.Lock()
	if order == v.sort {
		v.mu.Unlock()
		return nil
	}
	previous := v.listener
	v.sort = order
	v.startLocked()
	v.mu.Unlock()
	previous.Close()
	return nil
}

// ToggleLike flips the like locally and commits it in the background. A failed commit reverts the
// local flip and raises a notice.
func (v *FeedView) ToggleLike(confessionID string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	v.mu.Lock()
	if _, ok := v.tracker.BeginToggle(confessionID); !ok {
		v.mu.Unlock()
		return ErrUnknownConfession
	}
	state := v.renderLocked()
	v.mu.Unlock()
	v.state.set(state)

	v.writes.Add(1)
	go func() {
		defer v.writes.Done()
		_, err := v.toggler.ToggleLike(context.WithoutCancel(v.ctx), confessionID, v.userID)
		if err == nil || v.closed.Load() {
			return
		}
		v.mu.Lock()
		v.tracker.Revert(confessionID)
		reverted := v.renderLocked()
		v.mu.Unlock()
		v.state.set(reverted)
		v.logger.Warn("like toggle failed", zap.String("confession_id", confessionID), zap.Error(err))
		v.notices.raise(Notice{Operation: opFeedToggleLike, Message: "No se pudo registrar el like", Err: err})
	}()
	return nil
}

// Publish posts a confession to the feed's community. It shows up through the feed listener.
func (v *FeedView) Publish(text string) (confessions.Confession, error) {
	if v.closed.Load() {
		return confessions.Confession{}, ErrViewClosed
	}
	if v.publisher == nil {
		return confessions.Confession{}, ErrActionUnavailable
	}
	confession, err := v.publisher.CreateConfession(context.WithoutCancel(v.ctx), v.userID, v.communityID, text)
	if err != nil {
		if !v.closed.Load() {
			v.logger.Warn("confession publish failed", zap.String("community_id", v.communityID), zap.Error(err))
			v.notices.raise(Notice{Operation: opFeedPublish, Message: "No se pudo publicar la confesión", Err: err})
		}
		return confessions.Confession{}, err
	}
	return confession, nil
}

// Report flags a confession of the feed.
func (v *FeedView) Report(confessionID, reason string) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	return fileReport(v.ctx, v.reporter, v.notices, v.closed.Load,
		opFeedReport, confessionID, confessions.ItemConfession, v.userID, reason)
}

// WaitWrites blocks until background writes issued by this view finished.
func (v *FeedView) WaitWrites() {
	v.writes.Wait()
}

// Close detaches the listener. In-flight writes complete but no longer update the view.
func (v *FeedView) Close() {
	if v.closed.Swap(true) {
		return
	}
	v.cancel()
	v.mu.Lock()
	listener := v.listener
	v.mu.Unlock()
	listener.Close()
	v.consumers.Wait()
}
