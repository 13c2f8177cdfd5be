// Package views holds the view-state reducers behind each screen. A view owns its listeners for
// its whole lifetime and releases them on Close.
package views

import (
	"errors"
	"sync"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/likes"
)

const noticeBuffer = 16

var (
	// ErrViewClosed indicates an action on a view after Close.
	ErrViewClosed = errors.New("views: view closed")
	// ErrUnknownConfession indicates a like on a confession the view has not loaded.
	ErrUnknownConfession = errors.New("views: confession not loaded")
)

// Notice is a transient user-facing message about a failed operation.
type Notice struct {
	Operation string
	Message   string
	Err       error
}

// latest holds the most recent state and signals changes without blocking the writer.
type latest[T any] struct {
	mu      sync.RWMutex
	value   T
	ok      bool
	changed chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{changed: make(chan struct{}, 1)}
}

func (l *latest[T]) set(value T) {
	l.mu.Lock()
	l.value = value
	l.ok = true
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *latest[T]) get() (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.value, l.ok
}

type noticeBoard struct {
	ch chan Notice
}

func newNoticeBoard() *noticeBoard {
	return &noticeBoard{ch: make(chan Notice, noticeBuffer)}
}

// raise drops the notice when nobody drains the board.
func (n *noticeBoard) raise(notice Notice) {
	select {
	case n.ch <- notice:
	default:
	}
}

func likeSnapshot(confession confessions.Confession, userID string) likes.Snapshot {
	return likes.Snapshot{
		ConfessionID: confession.ID,
		Liked:        confession.LikedBy(userID),
		Count:        confession.LikesCount,
	}
}

// ConfessionItem is a confession as rendered for one user, with the like projection applied.
type ConfessionItem struct {
	Confession confessions.Confession
	Liked      bool
	LikesCount int64
	Pending    bool
}

func itemFor(confession confessions.Confession, projection likes.Projection) ConfessionItem {
	return ConfessionItem{
		Confession: confession,
		Liked:      projection.Liked,
		LikesCount: projection.Count,
		Pending:    projection.Pending,
	}
}
