package views

import (
	"context"
	"testing"

	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatListViewPartitionsRooms(t *testing.T) {
	fake := newFakeStore()
	fake.rooms = []chat.Room{
		{ID: "p", Status: chat.StatusPending},
		{ID: "a", Status: chat.StatusActive},
		{ID: "r", Status: chat.StatusRejected},
	}
	view, err := NewChatListView(context.Background(), fake, "user-a", nil)
	require.NoError(t, err)
	defer view.Close()

	list := waitFor(t, view.Changes(), view.State, func(list chat.ChatList) bool { return len(list.Pending) == 1 })
	assert.Equal(t, "p", list.Pending[0].ID)
	require.Len(t, list.Active, 1)
	assert.Equal(t, "a", list.Active[0].ID)

	fake.setRooms("user-a", chat.Room{ID: "p", Status: chat.StatusRejected}, chat.Room{ID: "a", Status: chat.StatusActive})
	list = waitFor(t, view.Changes(), view.State, func(list chat.ChatList) bool { return len(list.Pending) == 0 })
	assert.Len(t, list.Active, 1)
}

func TestConversationViewHandshake(t *testing.T) {
	fake := newFakeStore()
	fake.room = &chat.Room{ID: "room", MemberA: "user-a", MemberB: "user-b", Status: chat.StatusPending}
	fake.messages = []chat.Message{{ID: "ctx", RoomID: "room", SenderID: "user-b", Text: "confesión", IsContext: true}}

	view, err := NewConversationView(context.Background(), ConversationViewConfig{Source: fake, Blocker: fake, Reporter: fake, RoomID: "room", UserID: "user-a"})
	require.NoError(t, err)
	defer view.Close()

	state := waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return len(state.Messages) == 1 })
	assert.True(t, state.AwaitingAcceptance)

	require.NoError(t, view.Accept())
	state = waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return state.Room.Status == chat.StatusActive })
	assert.False(t, state.AwaitingAcceptance)

	require.NoError(t, view.Send("hola"))
	state = waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return len(state.Messages) == 2 })
	assert.Equal(t, "hola", state.Messages[1].Text)

	require.NoError(t, view.Reject())
	waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return state.Room.Status == chat.StatusRejected })
	assert.ErrorIs(t, view.Send("¿sigues?"), chat.ErrRoomRejected)
	notice := receiveNotice(t, view.Notices())
	assert.Equal(t, opConversationSend, notice.Operation)
}

func TestConversationViewInitiatorIsNotAwaiting(t *testing.T) {
	fake := newFakeStore()
	fake.room = &chat.Room{ID: "room", MemberA: "user-a", MemberB: "user-b", Status: chat.StatusPending}
	fake.messages = []chat.Message{{ID: "ctx", RoomID: "room", SenderID: "user-a", IsContext: true}}

	view, err := NewConversationView(context.Background(), ConversationViewConfig{Source: fake, Blocker: fake, Reporter: fake, RoomID: "room", UserID: "user-a"})
	require.NoError(t, err)
	defer view.Close()

	state := waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return len(state.Messages) == 1 })
	assert.False(t, state.AwaitingAcceptance)
}

func TestConversationViewBlocksPeerAndReportsMessages(t *testing.T) {
	fake := newFakeStore()
	fake.room = &chat.Room{ID: "room", MemberA: "user-a", MemberB: "user-b", Status: chat.StatusActive}
	fake.messages = []chat.Message{{ID: "m-1", RoomID: "room", SenderID: "user-b", Text: "insulto"}}

	view, err := NewConversationView(context.Background(), ConversationViewConfig{Source: fake, Blocker: fake, Reporter: fake, RoomID: "room", UserID: "user-a"})
	require.NoError(t, err)
	defer view.Close()
	waitFor(t, view.Changes(), view.State, func(state ConversationState) bool { return len(state.Messages) == 1 })

	require.NoError(t, view.Block())
	require.NoError(t, view.Report("m-1", "acoso"))

	fake.mu.Lock()
	blocks := append([][2]string(nil), fake.blocks...)
	fake.mu.Unlock()
	assert.Equal(t, [][2]string{{"user-a", "user-b"}}, blocks)

	reports := fake.reportsSnapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "m-1", reports[0].ReportedItemID)
	assert.Equal(t, confessions.ItemMessage, reports[0].ItemType)
	assert.Equal(t, "user-a", reports[0].ReporterUserID)

	fake.mu.Lock()
	fake.actionErr = errOffline
	fake.mu.Unlock()
	assert.ErrorIs(t, view.Block(), errOffline)
	assert.Equal(t, opConversationBlock, receiveNotice(t, view.Notices()).Operation)
	assert.ErrorIs(t, view.Report("m-1", "acoso"), errOffline)
	assert.Equal(t, opConversationReport, receiveNotice(t, view.Notices()).Operation)
}

func TestConversationViewActionsNeedDependencies(t *testing.T) {
	fake := newFakeStore()
	fake.room = &chat.Room{ID: "room", MemberA: "user-a", MemberB: "user-b", Status: chat.StatusActive}

	view, err := NewConversationView(context.Background(), ConversationViewConfig{Source: fake, RoomID: "room", UserID: "user-a"})
	require.NoError(t, err)
	defer view.Close()

	assert.ErrorIs(t, view.Block(), ErrActionUnavailable)
	assert.ErrorIs(t, view.Report("m-1", ""), ErrActionUnavailable)
}
