package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/FabianTorres/confesiones/internal/store"
)

// Status is the handshake state of a room.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
)

const memberKeySeparator = "|"

// Room is a 1:1 conversation. MemberA is always lexically smaller than MemberB.
type Room struct {
	ID                  string          `gorm:"column:id;primaryKey;size:190" json:"id"`
	MemberKey           string          `gorm:"column:member_key;size:400;not null;uniqueIndex" json:"-"`
	MemberA             string          `gorm:"column:member_a;size:190;not null;index" json:"-"`
	MemberB             string          `gorm:"column:member_b;size:190;not null;index" json:"-"`
	MemberNames         store.StringMap `gorm:"column:member_names;type:text;not null" json:"member_names"`
	Status              Status          `gorm:"column:status;size:16;not null" json:"status"`
	LastMessageText     *string         `gorm:"column:last_message_text" json:"last_message_text,omitempty"`
	LastMessageSenderID *string         `gorm:"column:last_message_sender_id;size:190" json:"last_message_sender_id,omitempty"`
	LastMessageAt       *time.Time      `gorm:"column:last_message_at;index" json:"last_message_at,omitempty"`
	ExpiresAt           time.Time       `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	Version             int64           `gorm:"column:version;not null" json:"version"`
}

func (Room) TableName() string {
	return "chat_rooms"
}

// Members returns the sorted member pair.
func (r Room) Members() []string {
	return []string{r.MemberA, r.MemberB}
}

// HasMember reports whether userID belongs to the room.
func (r Room) HasMember(userID string) bool {
	return userID != "" && (r.MemberA == userID || r.MemberB == userID)
}

// Peer returns the other member.
func (r Room) Peer(userID string) string {
	if r.MemberA == userID {
		return r.MemberB
	}
	return r.MemberA
}

// Message is one entry of a room's history.
type Message struct {
	ID        string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	RoomID    string    `gorm:"column:room_id;size:190;not null;index:idx_chat_messages_room_created,priority:1" json:"room_id"`
	SenderID  string    `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	Text      string    `gorm:"column:text;not null" json:"text"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_chat_messages_room_created,priority:2" json:"created_at"`
	IsContext bool      `gorm:"column:is_context;not null" json:"is_context"`
}

func (Message) TableName() string {
	return "chat_messages"
}

// ErrInvalidPair indicates the two ids are empty or identical.
var ErrInvalidPair = errors.New("chat: a room needs two distinct members")

// CanonicalPair sorts two distinct member ids.
func CanonicalPair(a, b string) ([2]string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return [2]string{}, ErrInvalidPair
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

func memberKey(pair [2]string) string {
	return pair[0] + memberKeySeparator + pair[1]
}

// ChatList is the partition shown on the chats screen.
type ChatList struct {
	Pending []Room `json:"pending"`
	Active  []Room `json:"active"`
}

// Partition splits rooms into the pending and active buckets, keeping order. Rejected rooms
// appear in neither.
func Partition(rooms []Room) ChatList {
	list := ChatList{Pending: []Room{}, Active: []Room{}}
	for _, room := range rooms {
		switch room.Status {
		case StatusRejected:
			continue
		case StatusPending:
			list.Pending = append(list.Pending, room)
		default:
			list.Active = append(list.Active, room)
		}
	}
	return list
}
