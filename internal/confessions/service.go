package confessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// MaxTextLength bounds confession and comment bodies, counted in runes.
	MaxTextLength = 250
	// FeedLimit bounds feed and author queries.
	FeedLimit = 50

	opListCommunities  = "confessions.list_communities"
	opSeedCommunities  = "confessions.seed_communities"
	opCreateConfession = "confessions.create"
	opGetConfession    = "confessions.get"
	opListFeed         = "confessions.list_feed"
	opListByAuthor     = "confessions.list_by_author"
	opToggleLike       = "confessions.toggle_like"
	opAddComment       = "confessions.add_comment"
	opListComments     = "confessions.list_comments"
	opReportItem       = "confessions.report_item"
)

var (
	// ErrConfessionNotFound indicates the confession was absent when the operation ran.
	ErrConfessionNotFound = errors.New("confessions: confession not found")
	// ErrInvalidText indicates a blank or oversized body.
	ErrInvalidText = errors.New("confessions: invalid text")
	// ErrInvalidIdentifier indicates an empty user, community, or document id.
	ErrInvalidIdentifier = errors.New("confessions: invalid identifier")

	errMissingDatabase   = errors.New("confessions: database connection required")
	errMissingTransactor = errors.New("confessions: transactor required")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ProfileSource supplies author demographics copied onto new confessions.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (users.Profile, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Transactor *store.Transactor
	Clock      func() time.Time
	IDProvider store.IDProvider
	Publisher  realtime.Publisher
	Subscriber realtime.Subscriber
	Profiles   ProfileSource
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service implements the confession feed and the like engine.
type Service struct {
	db         *gorm.DB
	transactor *store.Transactor
	clock      func() time.Time
	ids        store.IDProvider
	publisher  realtime.Publisher
	subscriber realtime.Subscriber
	profiles   ProfileSource
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Transactor == nil {
		return nil, errMissingTransactor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	subscriber := cfg.Subscriber
	if subscriber == nil {
		subscriber = realtime.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		transactor: cfg.Transactor,
		clock:      clock,
		ids:        ids,
		publisher:  cfg.Publisher,
		subscriber: subscriber,
		profiles:   cfg.Profiles,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// ListCommunities returns all communities ordered by name.
func (s *Service) ListCommunities(ctx context.Context) ([]Community, error) {
	var communities []Community
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&communities).Error; err != nil {
		s.logError(opListCommunities, "query_failed", err)
		return nil, newServiceError(opListCommunities, "query_failed", err)
	}
	return communities, nil
}

// SeedCommunities upserts communities by id.
func (s *Service) SeedCommunities(ctx context.Context, communities []Community) error {
	if len(communities) == 0 {
		return nil
	}
	for _, community := range communities {
		if strings.TrimSpace(community.ID) == "" || strings.TrimSpace(community.Name) == "" {
			return newServiceError(opSeedCommunities, "invalid_community", ErrInvalidIdentifier)
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&communities).Error
	if err != nil {
		s.logError(opSeedCommunities, "upsert_failed", err, zap.Int("count", len(communities)))
		return newServiceError(opSeedCommunities, "upsert_failed", err)
	}
	return nil
}

// CreateConfession stores a new anonymous post in the community.
func (s *Service) CreateConfession(ctx context.Context, authorID, communityID, text string) (Confession, error) {
	if strings.TrimSpace(authorID) == "" || strings.TrimSpace(communityID) == "" {
		return Confession{}, newServiceError(opCreateConfession, "invalid_identifier", ErrInvalidIdentifier)
	}
	body, err := normalizeText(text)
	if err != nil {
		return Confession{}, newServiceError(opCreateConfession, "invalid_text", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreateConfession, "id_generation_failed", err)
		return Confession{}, newServiceError(opCreateConfession, "id_generation_failed", err)
	}

	confession := Confession{
		ID:          id,
		Text:        body,
		AuthorID:    authorID,
		CommunityID: communityID,
		CreatedAt:   s.clock().UTC(),
		Likes:       store.PresenceMap{},
	}
	s.copyAuthorTags(ctx, &confession)

	if err := s.db.WithContext(ctx).Create(&confession).Error; err != nil {
		s.logError(opCreateConfession, "insert_failed", err,
			zap.String("author_id", authorID),
			zap.String("community_id", communityID))
		return Confession{}, newServiceError(opCreateConfession, "insert_failed", err)
	}

	s.publishConfession(confession, realtime.EventDocumentAdded)
	return confession, nil
}

func (s *Service) copyAuthorTags(ctx context.Context, confession *Confession) {
	if s.profiles == nil {
		return
	}
	profile, err := s.profiles.GetProfile(ctx, confession.AuthorID)
	if err != nil {
		s.logger.Debug("author profile unavailable",
			zap.String("author_id", confession.AuthorID),
			zap.Error(err))
		return
	}
	confession.AuthorGender = profile.Gender
	confession.AuthorAge = profile.Age
	confession.AuthorCountry = profile.CountryCode
}

// GetConfession loads one confession.
func (s *Service) GetConfession(ctx context.Context, confessionID string) (Confession, error) {
	var confession Confession
	err := s.db.WithContext(ctx).Where("id = ?", confessionID).Take(&confession).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Confession{}, newServiceError(opGetConfession, "not_found", ErrConfessionNotFound)
	}
	if err != nil {
		s.logError(opGetConfession, "query_failed", err, zap.String("confession_id", confessionID))
		return Confession{}, newServiceError(opGetConfession, "query_failed", err)
	}
	return confession, nil
}

// ListFeed returns up to FeedLimit confessions of a community in the requested order.
func (s *Service) ListFeed(ctx context.Context, communityID string, order SortOrder) ([]Confession, error) {
	if strings.TrimSpace(communityID) == "" {
		return nil, newServiceError(opListFeed, "invalid_identifier", ErrInvalidIdentifier)
	}
	confessions := []Confession{}
	err := s.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		Order(order.clause()).
		Limit(FeedLimit).
		Find(&confessions).Error
	if err != nil {
		s.logError(opListFeed, "query_failed", err, zap.String("community_id", communityID))
		return nil, newServiceError(opListFeed, "query_failed", err)
	}
	return confessions, nil
}

// ListByAuthor returns the author's latest confessions across communities.
func (s *Service) ListByAuthor(ctx context.Context, authorID string) ([]Confession, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, newServiceError(opListByAuthor, "invalid_identifier", ErrInvalidIdentifier)
	}
	confessions := []Confession{}
	err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order(SortRecent.clause()).
		Limit(FeedLimit).
		Find(&confessions).Error
	if err != nil {
		s.logError(opListByAuthor, "query_failed", err, zap.String("author_id", authorID))
		return nil, newServiceError(opListByAuthor, "query_failed", err)
	}
	return confessions, nil
}

// ToggleLike flips userID's membership and recomputes the count from the membership, atomically.
func (s *Service) ToggleLike(ctx context.Context, confessionID, userID string) (Confession, error) {
	if strings.TrimSpace(confessionID) == "" || strings.TrimSpace(userID) == "" {
		return Confession{}, newServiceError(opToggleLike, "invalid_identifier", ErrInvalidIdentifier)
	}

	var updated Confession
	err := s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		var current Confession
		if err := tx.Where("id = ?", confessionID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConfessionNotFound
			}
			return err
		}
		likes := current.Likes.Toggle(userID)
		count := int64(likes.Size())
		if err := store.UpdateVersioned(tx, &Confession{}, current.ID, current.Version, map[string]any{
			"likes":       likes,
			"likes_count": count,
		}); err != nil {
			return err
		}
		updated = current
		updated.Likes = likes
		updated.LikesCount = count
		updated.Version = current.Version + 1
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConfessionNotFound) {
			s.metrics.IncLikeToggle("not_found")
			return Confession{}, newServiceError(opToggleLike, "not_found", err)
		}
		s.metrics.IncLikeToggle("failed")
		s.logError(opToggleLike, "transaction_failed", err,
			zap.String("confession_id", confessionID),
			zap.String("user_id", userID))
		return Confession{}, newServiceError(opToggleLike, "transaction_failed", err)
	}

	s.metrics.IncLikeToggle("committed")
	s.publishConfession(updated, realtime.EventDocumentChanged)
	return updated, nil
}

// AddComment creates a comment and increments the parent's comment count in one transaction.
func (s *Service) AddComment(ctx context.Context, confessionID, authorID, text string) (Comment, error) {
	if strings.TrimSpace(confessionID) == "" || strings.TrimSpace(authorID) == "" {
		return Comment{}, newServiceError(opAddComment, "invalid_identifier", ErrInvalidIdentifier)
	}
	body, err := normalizeText(text)
	if err != nil {
		return Comment{}, newServiceError(opAddComment, "invalid_text", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opAddComment, "id_generation_failed", err)
		return Comment{}, newServiceError(opAddComment, "id_generation_failed", err)
	}

	comment := Comment{
		ID:           id,
		ConfessionID: confessionID,
		Text:         body,
		AuthorID:     authorID,
		CreatedAt:    s.clock().UTC(),
	}
	var parent Confession
	err = s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", confessionID).Take(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConfessionNotFound
			}
			return err
		}
		if err := tx.Create(&comment).Error; err != nil {
			return err
		}
		if err := store.UpdateVersioned(tx, &Confession{}, parent.ID, parent.Version, map[string]any{
			"comments_count": parent.CommentsCount + 1,
		}); err != nil {
			return err
		}
		parent.CommentsCount++
		parent.Version++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConfessionNotFound) {
			return Comment{}, newServiceError(opAddComment, "not_found", err)
		}
		s.logError(opAddComment, "transaction_failed", err,
			zap.String("confession_id", confessionID),
			zap.String("author_id", authorID))
		return Comment{}, newServiceError(opAddComment, "transaction_failed", err)
	}

	realtime.PublishAll(s.publisher, realtime.EventDocumentAdded, []string{comment.ID}, realtime.CommentsTopic(confessionID))
	s.publishConfession(parent, realtime.EventDocumentChanged)
	return comment, nil
}

// ListComments returns the comments of a confession, oldest first.
func (s *Service) ListComments(ctx context.Context, confessionID string) ([]Comment, error) {
	comments := []Comment{}
	err := s.db.WithContext(ctx).
		Where("confession_id = ?", confessionID).
		Order("created_at ASC").
		Find(&comments).Error
	if err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("confession_id", confessionID))
		return nil, newServiceError(opListComments, "query_failed", err)
	}
	return comments, nil
}

// ReportItem records a moderation report. A blank reason is stored as null.
func (s *Service) ReportItem(ctx context.Context, itemID string, itemType ItemType, reporterID, reason string) (Report, error) {
	if strings.TrimSpace(itemID) == "" || strings.TrimSpace(reporterID) == "" {
		return Report{}, newServiceError(opReportItem, "invalid_identifier", ErrInvalidIdentifier)
	}
	if _, err := ParseItemType(string(itemType)); err != nil {
		return Report{}, newServiceError(opReportItem, "invalid_item_type", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opReportItem, "id_generation_failed", err)
		return Report{}, newServiceError(opReportItem, "id_generation_failed", err)
	}

	report := Report{
		ID:             id,
		ReportedItemID: itemID,
		ItemType:       itemType,
		ReporterUserID: reporterID,
		CreatedAt:      s.clock().UTC(),
	}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		report.Reason = &trimmed
	}
	if err := s.db.WithContext(ctx).Create(&report).Error; err != nil {
		s.logError(opReportItem, "insert_failed", err, zap.String("item_id", itemID))
		return Report{}, newServiceError(opReportItem, "insert_failed", err)
	}
	return report, nil
}

// WatchConfession streams one confession document.
func (s *Service) WatchConfession(ctx context.Context, confessionID string) *realtime.Listener[Confession] {
	return realtime.Watch(ctx, s.subscriber, realtime.ConfessionTopic(confessionID), func(loadCtx context.Context) (Confession, error) {
		return s.GetConfession(loadCtx, confessionID)
	})
}

// WatchFeed streams a community feed in the given order.
func (s *Service) WatchFeed(ctx context.Context, communityID string, order SortOrder) *realtime.Listener[[]Confession] {
	return realtime.Watch(ctx, s.subscriber, realtime.CommunityTopic(communityID), func(loadCtx context.Context) ([]Confession, error) {
		return s.ListFeed(loadCtx, communityID, order)
	})
}

// WatchByAuthor streams the author's own confessions.
func (s *Service) WatchByAuthor(ctx context.Context, authorID string) *realtime.Listener[[]Confession] {
	return realtime.Watch(ctx, s.subscriber, realtime.AuthorTopic(authorID), func(loadCtx context.Context) ([]Confession, error) {
		return s.ListByAuthor(loadCtx, authorID)
	})
}

// WatchComments streams the comments of a confession.
func (s *Service) WatchComments(ctx context.Context, confessionID string) *realtime.Listener[[]Comment] {
	return realtime.Watch(ctx, s.subscriber, realtime.CommentsTopic(confessionID), func(loadCtx context.Context) ([]Comment, error) {
		return s.ListComments(loadCtx, confessionID)
	})
}

func (s *Service) publishConfession(confession Confession, kind string) {
	realtime.PublishAll(s.publisher, kind, []string{confession.ID},
		realtime.ConfessionTopic(confession.ID),
		realtime.CommunityTopic(confession.CommunityID),
		realtime.AuthorTopic(confession.AuthorID))
}

func normalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxTextLength {
		return "", ErrInvalidText
	}
	return trimmed, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("confessions service error", attrs...)
}
