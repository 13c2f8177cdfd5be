package confessions

import (
	"errors"
	"strings"
	"time"

	"github.com/FabianTorres/confesiones/internal/store"
)

// Community is a named partition of the confession feed.
type Community struct {
	ID   string `gorm:"column:id;primaryKey;size:190" json:"id"`
	Name string `gorm:"column:name;size:190;not null;index" json:"name"`
}

func (Community) TableName() string {
	return "communities"
}

// Confession is an anonymous post. LikesCount always equals the size of Likes after a commit.
type Confession struct {
	ID            string            `gorm:"column:id;primaryKey;size:190" json:"id"`
	Text          string            `gorm:"column:text;not null" json:"text"`
	AuthorID      string            `gorm:"column:author_id;size:190;not null;index" json:"author_id"`
	CommunityID   string            `gorm:"column:community_id;size:190;not null;index:idx_confessions_community_created,priority:1" json:"community_id"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null;index:idx_confessions_community_created,priority:2" json:"created_at"`
	LikesCount    int64             `gorm:"column:likes_count;not null" json:"likes_count"`
	Likes         store.PresenceMap `gorm:"column:likes;type:text;not null" json:"likes"`
	CommentsCount int64             `gorm:"column:comments_count;not null" json:"comments_count"`
	AuthorGender  *string           `gorm:"column:author_gender;size:32" json:"author_gender,omitempty"`
	AuthorAge     *int              `gorm:"column:author_age" json:"author_age,omitempty"`
	AuthorCountry *string           `gorm:"column:author_country;size:8" json:"author_country,omitempty"`
	Version       int64             `gorm:"column:version;not null" json:"version"`
}

func (Confession) TableName() string {
	return "confessions"
}

// LikedBy reports whether userID is in the like membership.
func (c Confession) LikedBy(userID string) bool {
	return c.Likes.Has(userID)
}

// Comment is a reply attached to a confession.
type Comment struct {
	ID           string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	ConfessionID string    `gorm:"column:confession_id;size:190;not null;index:idx_comments_confession_created,priority:1" json:"confession_id"`
	Text         string    `gorm:"column:text;not null" json:"text"`
	AuthorID     string    `gorm:"column:author_id;size:190;not null" json:"author_id"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_comments_confession_created,priority:2" json:"created_at"`
}

func (Comment) TableName() string {
	return "confession_comments"
}

// ItemType names what a report refers to.
type ItemType string

const (
	ItemConfession ItemType = "confession"
	ItemComment    ItemType = "comment"
	ItemMessage    ItemType = "message"
)

// ErrInvalidItemType indicates an unknown report target.
var ErrInvalidItemType = errors.New("confessions: invalid item type")

func ParseItemType(value string) (ItemType, error) {
	switch ItemType(strings.ToLower(strings.TrimSpace(value))) {
	case ItemConfession:
		return ItemConfession, nil
	case ItemComment:
		return ItemComment, nil
	case ItemMessage:
		return ItemMessage, nil
	default:
		return "", ErrInvalidItemType
	}
}

// Report flags content for moderation.
type Report struct {
	ID             string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	ReportedItemID string    `gorm:"column:reported_item_id;size:190;not null;index" json:"reported_item_id"`
	ItemType       ItemType  `gorm:"column:item_type;size:32;not null" json:"item_type"`
	ReporterUserID string    `gorm:"column:reporter_user_id;size:190;not null" json:"reporter_user_id"`
	Reason         *string   `gorm:"column:reason" json:"reason,omitempty"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (Report) TableName() string {
	return "reports"
}

// SortOrder selects the feed ordering.
type SortOrder string

const (
	SortRecent  SortOrder = "RECENT"
	SortPopular SortOrder = "POPULAR"
)

// ErrInvalidSortOrder indicates an unknown feed ordering.
var ErrInvalidSortOrder = errors.New("confessions: invalid sort order")

// ParseSortOrder accepts RECENT or POPULAR case-insensitively; empty selects RECENT.
func ParseSortOrder(value string) (SortOrder, error) {
	switch SortOrder(strings.ToUpper(strings.TrimSpace(value))) {
	case "", SortRecent:
		return SortRecent, nil
	case SortPopular:
		return SortPopular, nil
	default:
		return "", ErrInvalidSortOrder
	}
}

func (o SortOrder) clause() string {
	if o == SortPopular {
		return "likes_count DESC, created_at DESC"
	}
	return "created_at DESC"
}
