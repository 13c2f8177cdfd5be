package realtime

import "strings"

const (
	topicConfession = "confessions/"
	topicCommunity  = "communities/"
	topicAuthor     = "authors/"
	topicComments   = "comments/"
	topicRoom       = "chat_rooms/"
	topicMessages   = "messages/"
	topicMember     = "members/"
	topicProfile    = "profiles/"
)

func ConfessionTopic(confessionID string) string { return topicConfession + confessionID }

func CommunityTopic(communityID string) string { return topicCommunity + communityID }

func AuthorTopic(userID string) string { return topicAuthor + userID }

func CommentsTopic(confessionID string) string { return topicComments + confessionID }

func RoomTopic(roomID string) string { return topicRoom + roomID }

func MessagesTopic(roomID string) string { return topicMessages + roomID }

func MemberRoomsTopic(userID string) string { return topicMember + userID }

func ProfileTopic(userID string) string { return topicProfile + userID }

// TopicKind describes what a topic string refers to.
type TopicKind string

const (
	KindConfession  TopicKind = "confession"
	KindCommunity   TopicKind = "community"
	KindAuthor      TopicKind = "author"
	KindComments    TopicKind = "comments"
	KindRoom        TopicKind = "room"
	KindMessages    TopicKind = "messages"
	KindMemberRooms TopicKind = "member_rooms"
	KindProfile     TopicKind = "profile"
)

// ParseTopic splits a topic into its kind and identifier.
func ParseTopic(topic string) (TopicKind, string, bool) {
	prefixes := []struct {
		prefix string
		kind   TopicKind
	}{
		{topicConfession, KindConfession},
		{topicCommunity, KindCommunity},
		{topicAuthor, KindAuthor},
		{topicComments, KindComments},
		{topicRoom, KindRoom},
		{topicMessages, KindMessages},
		{topicMember, KindMemberRooms},
		{topicProfile, KindProfile},
	}
	for _, candidate := range prefixes {
		if strings.HasPrefix(topic, candidate.prefix) {
			id := strings.TrimPrefix(topic, candidate.prefix)
			if id == "" || strings.Contains(id, "/") {
				return "", "", false
			}
			return candidate.kind, id, true
		}
	}
	return "", "", false
}
