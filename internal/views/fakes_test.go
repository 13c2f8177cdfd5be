package views

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
)

type fakeStore struct {
	dispatcher *realtime.Dispatcher

	mu          sync.Mutex
	feed        []confessions.Confession
	confession  *confessions.Confession
	comments    []confessions.Comment
	rooms       []chat.Room
	room        *chat.Room
	messages    []chat.Message
	orders      []confessions.SortOrder
	toggleErr   error
	toggleCalls int

	profile    *users.Profile
	reports    []confessions.Report
	blocks     [][2]string
	actionErr  error
	nextPostID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{dispatcher: realtime.NewDispatcher()}
}

func (f *fakeStore) notify(topic string) {
	f.dispatcher.Publish(realtime.Event{Topic: topic, Kind: realtime.EventDocumentChanged})
}

func (f *fakeStore) setFeed(communityID string, feed ...confessions.Confession) {
	f.mu.Lock()
	f.feed = feed
	f.mu.Unlock()
	f.notify(realtime.CommunityTopic(communityID))
}

func (f *fakeStore) WatchFeed(ctx context.Context, communityID string, order confessions.SortOrder) *realtime.Listener[[]confessions.Confession] {
	f.mu.Lock()
	f.orders = append(f.orders, order)
	f.mu.Unlock()
	return realtime.Watch(ctx, f.dispatcher, realtime.CommunityTopic(communityID), func(context.Context) ([]confessions.Confession, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]confessions.Confession(nil), f.feed...), nil
	})
}

func (f *fakeStore) ToggleLike(_ context.Context, confessionID, _ string) (confessions.Confession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggleCalls++
	if f.toggleErr != nil {
		return confessions.Confession{}, f.toggleErr
	}
	return confessions.Confession{ID: confessionID}, nil
}

func (f *fakeStore) setConfession(confession confessions.Confession) {
	f.mu.Lock()
	f.confession = &confession
	f.mu.Unlock()
	f.notify(realtime.ConfessionTopic(confession.ID))
}

func (f *fakeStore) WatchConfession(ctx context.Context, confessionID string) *realtime.Listener[confessions.Confession] {
	return realtime.Watch(ctx, f.dispatcher, realtime.ConfessionTopic(confessionID), func(context.Context) (confessions.Confession, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.confession == nil {
			return confessions.Confession{}, confessions.ErrConfessionNotFound
		}
		return *f.confession, nil
	})
}

func (f *fakeStore) WatchComments(ctx context.Context, confessionID string) *realtime.Listener[[]confessions.Comment] {
	return realtime.Watch(ctx, f.dispatcher, realtime.CommentsTopic(confessionID), func(context.Context) ([]confessions.Comment, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]confessions.Comment(nil), f.comments...), nil
	})
}

func (f *fakeStore) AddComment(_ context.Context, confessionID, authorID, text string) (confessions.Comment, error) {
	if text == "" {
		return confessions.Comment{}, confessions.ErrInvalidText
	}
	comment := confessions.Comment{ID: "comment-" + text, ConfessionID: confessionID, AuthorID: authorID, Text: text}
	f.mu.Lock()
	f.comments = append(f.comments, comment)
	f.mu.Unlock()
	f.notify(realtime.CommentsTopic(confessionID))
	return comment, nil
}

func (f *fakeStore) setRooms(userID string, rooms ...chat.Room) {
	f.mu.Lock()
	f.rooms = rooms
	f.mu.Unlock()
	f.notify(realtime.MemberRoomsTopic(userID))
}

func (f *fakeStore) WatchRooms(ctx context.Context, userID string) *realtime.Listener[[]chat.Room] {
	return realtime.Watch(ctx, f.dispatcher, realtime.MemberRoomsTopic(userID), func(context.Context) ([]chat.Room, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]chat.Room(nil), f.rooms...), nil
	})
}

func (f *fakeStore) WatchRoom(ctx context.Context, roomID string) *realtime.Listener[chat.Room] {
	return realtime.Watch(ctx, f.dispatcher, realtime.RoomTopic(roomID), func(context.Context) (chat.Room, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.room == nil {
			return chat.Room{}, chat.ErrRoomNotFound
		}
		return *f.room, nil
	})
}

func (f *fakeStore) WatchMessages(ctx context.Context, roomID, _ string) *realtime.Listener[[]chat.Message] {
	return realtime.Watch(ctx, f.dispatcher, realtime.MessagesTopic(roomID), func(context.Context) ([]chat.Message, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]chat.Message(nil), f.messages...), nil
	})
}

func (f *fakeStore) SendMessage(_ context.Context, roomID, senderID, text string) (chat.Message, error) {
	f.mu.Lock()
	if f.room == nil {
		f.mu.Unlock()
		return chat.Message{}, chat.ErrRoomNotFound
	}
	if f.room.Status == chat.StatusRejected {
		f.mu.Unlock()
		return chat.Message{}, chat.ErrRoomRejected
	}
	message := chat.Message{ID: "m-" + text, RoomID: roomID, SenderID: senderID, Text: text}
	f.messages = append(f.messages, message)
	f.room.Status = chat.StatusActive
	f.mu.Unlock()
	f.notify(realtime.MessagesTopic(roomID))
	f.notify(realtime.RoomTopic(roomID))
	return message, nil
}

func (f *fakeStore) Accept(ctx context.Context, roomID, userID string) (chat.Room, error) {
	return f.setStatus(roomID, chat.StatusActive)
}

func (f *fakeStore) Reject(ctx context.Context, roomID, userID string) (chat.Room, error) {
	return f.setStatus(roomID, chat.StatusRejected)
}

func (f *fakeStore) setStatus(roomID string, status chat.Status) (chat.Room, error) {
	f.mu.Lock()
	if f.room == nil {
		f.mu.Unlock()
		return chat.Room{}, chat.ErrRoomNotFound
	}
	f.room.Status = status
	room := *f.room
	f.mu.Unlock()
	f.notify(realtime.RoomTopic(roomID))
	return room, nil
}

func (f *fakeStore) ReportItem(_ context.Context, itemID string, itemType confessions.ItemType, reporterID, reason string) (confessions.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return confessions.Report{}, f.actionErr
	}
	report := confessions.Report{ReportedItemID: itemID, ItemType: itemType, ReporterUserID: reporterID, Reason: &reason}
	f.reports = append(f.reports, report)
	return report, nil
}

func (f *fakeStore) CreateConfession(_ context.Context, authorID, communityID, text string) (confessions.Confession, error) {
	f.mu.Lock()
	if f.actionErr != nil {
		f.mu.Unlock()
		return confessions.Confession{}, f.actionErr
	}
	f.nextPostID++
	confession := confessions.Confession{
		ID:          fmt.Sprintf("post-%d", f.nextPostID),
		Text:        text,
		AuthorID:    authorID,
		CommunityID: communityID,
		Likes:       store.PresenceMap{},
	}
	f.feed = append([]confessions.Confession{confession}, f.feed...)
	f.mu.Unlock()
	f.notify(realtime.CommunityTopic(communityID))
	f.notify(realtime.AuthorTopic(authorID))
	return confession, nil
}

func (f *fakeStore) WatchByAuthor(ctx context.Context, authorID string) *realtime.Listener[[]confessions.Confession] {
	return realtime.Watch(ctx, f.dispatcher, realtime.AuthorTopic(authorID), func(context.Context) ([]confessions.Confession, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		own := []confessions.Confession{}
		for _, confession := range f.feed {
			if confession.AuthorID == authorID {
				own = append(own, confession)
			}
		}
		return own, nil
	})
}

func (f *fakeStore) BlockUser(_ context.Context, blockerID, blockedID string) (users.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return users.Profile{}, f.actionErr
	}
	f.blocks = append(f.blocks, [2]string{blockerID, blockedID})
	return users.Profile{UserID: blockerID, BlockedUserIDs: store.StringSet{blockedID}}, nil
}

func (f *fakeStore) WatchProfile(ctx context.Context, userID string) *realtime.Listener[users.Profile] {
	return realtime.Watch(ctx, f.dispatcher, realtime.ProfileTopic(userID), func(context.Context) (users.Profile, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.profile == nil {
			return users.Profile{}, users.ErrProfileNotFound
		}
		return *f.profile, nil
	})
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID string, update users.ProfileUpdate) (users.Profile, error) {
	f.mu.Lock()
	if f.actionErr != nil {
		f.mu.Unlock()
		return users.Profile{}, f.actionErr
	}
	if f.profile == nil {
		f.mu.Unlock()
		return users.Profile{}, users.ErrProfileNotFound
	}
	f.profile.Gender = update.Gender
	f.profile.Age = update.Age
	f.profile.CountryCode = update.CountryCode
	f.profile.AllowsMessaging = update.AllowsMessaging
	profile := *f.profile
	f.mu.Unlock()
	f.notify(realtime.ProfileTopic(userID))
	return profile, nil
}

func (f *fakeStore) reportsSnapshot() []confessions.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]confessions.Report(nil), f.reports...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func confessionWith(id string, likedBy ...string) confessions.Confession {
	presence := store.PresenceMap{}
	for _, user := range likedBy {
		presence[user] = true
	}
	return confessions.Confession{ID: id, Text: "texto " + id, Likes: presence, LikesCount: int64(len(likedBy))}
}

func waitFor[T any](t *testing.T, changes <-chan struct{}, get func() (T, bool), match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if state, ok := get(); ok && match(state) {
			return state
		}
		select {
		case <-changes:
		case <-deadline:
			state, _ := get()
			t.Fatalf("timed out waiting for state, last %+v", state)
			return state
		}
	}
}

func receiveNotice(t *testing.T, notices <-chan Notice) Notice {
	t.Helper()
	select {
	case notice := <-notices:
		return notice
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for notice")
	}
	return Notice{}
}

var errOffline = errors.New("offline")
