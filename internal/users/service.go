package users

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxIdentifierLength = 190
	maxAge              = 120
	fallbackDisplayName = "Usuario"

	opSignIn        = "users.sign_in"
	opEnsureProfile = "users.ensure_profile"
	opGetProfile    = "users.get_profile"
	opUpdateProfile = "users.update_profile"
	opBlockUser     = "users.block_user"
)

var (
	// ErrInvalidInstallID indicates the installation identifier exceeds storage bounds.
	ErrInvalidInstallID = errors.New("users: invalid install id")
	// ErrInvalidUserID indicates a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrInvalidProfile indicates profile fields failed validation.
	ErrInvalidProfile = errors.New("users: invalid profile")
	// ErrProfileNotFound indicates no profile exists for the user.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrSelfBlock indicates a user attempted to block themselves.
	ErrSelfBlock = errors.New("users: cannot block self")

	errMissingDatabase   = errors.New("users: database connection required")
	errMissingTransactor = errors.New("users: transactor required")
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

// ServiceConfig describes the dependencies required for identity and profile management.
type ServiceConfig struct {
	Database      *gorm.DB
	Transactor    *store.Transactor
	Clock         func() time.Time
	IDProvider    store.IDProvider
	Publisher     realtime.Publisher
	Subscriber    realtime.Subscriber
	NameGenerator func() string
	Logger        *zap.Logger
}

// Service manages anonymous identities and user profiles.
type Service struct {
	db            *gorm.DB
	transactor    *store.Transactor
	now           func() time.Time
	ids           store.IDProvider
	publisher     realtime.Publisher
	subscriber    realtime.Subscriber
	nameGenerator func() string
	logger        *zap.Logger
	cache         sync.Map
}

// NewService constructs the identity service.
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
	names := cfg.NameGenerator
	if names == nil {
		names = randomAnonymousName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	subscriber := cfg.Subscriber
	if subscriber == nil {
		subscriber = realtime.NewDispatcher()
	}
	return &Service{
		db:            cfg.Database,
		transactor:    cfg.Transactor,
		now:           clock,
		ids:           ids,
		publisher:     cfg.Publisher,
		subscriber:    subscriber,
		nameGenerator: names,
		logger:        logger,
	}, nil
}

func randomAnonymousName() string {
	return fmt.Sprintf("%s %d", fallbackDisplayName, rand.IntN(90000)+10000)
}

// SignInAnonymously resolves the user id for an installation, creating the identity and the
// profile on first contact. An empty installID registers a new installation.
func (s *Service) SignInAnonymously(ctx context.Context, installID string) (Session, error) {
	installID = normalize(installID)
	if len(installID) > maxIdentifierLength {
		return Session{}, newServiceError(opSignIn, "invalid_install_id", ErrInvalidInstallID)
	}
	if installID == "" {
		generated, err := s.ids.NewID()
		if err != nil {
			s.logError(opSignIn, "id_generation_failed", err)
			return Session{}, newServiceError(opSignIn, "id_generation_failed", err)
		}
		installID = generated
	}

	if cached, ok := s.cache.Load(installID); ok {
		if userID, ok := cached.(string); ok {
			return Session{InstallID: installID, UserID: userID}, nil
		}
	}

	identity, created, err := s.resolveIdentity(ctx, installID)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.EnsureProfile(ctx, identity.UserID); err != nil {
		return Session{}, err
	}

	s.cache.Store(installID, identity.UserID)
	return Session{InstallID: installID, UserID: identity.UserID, NewIdentity: created}, nil
}

func (s *Service) resolveIdentity(ctx context.Context, installID string) (Identity, bool, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("install_id = ?", installID).Take(&identity).Error
	if err == nil {
		touch := s.db.WithContext(ctx).Model(&Identity{}).
			Where("install_id = ?", installID).
			Update("last_seen_at", s.now().UTC())
		if touch.Error != nil {
			s.logger.Warn("last seen update failed",
				zap.String("operation", opSignIn),
				zap.String("install_id", installID),
				zap.Error(touch.Error))
		}
		return identity, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSignIn, "identity_lookup_failed", err, zap.String("install_id", installID))
		return Identity{}, false, newServiceError(opSignIn, "identity_lookup_failed", err)
	}

	userID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSignIn, "id_generation_failed", err)
		return Identity{}, false, newServiceError(opSignIn, "id_generation_failed", err)
	}
	candidate := Identity{
		InstallID:  installID,
		UserID:     userID,
		LastSeenAt: s.now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if result.Error != nil {
		s.logError(opSignIn, "identity_insert_failed", result.Error, zap.String("install_id", installID))
		return Identity{}, false, newServiceError(opSignIn, "identity_insert_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		return candidate, true, nil
	}
	// a concurrent sign-in for the same installation won
	if err := s.db.WithContext(ctx).Where("install_id = ?", installID).Take(&identity).Error; err != nil {
		s.logError(opSignIn, "identity_reload_failed", err, zap.String("install_id", installID))
		return Identity{}, false, newServiceError(opSignIn, "identity_reload_failed", err)
	}
	return identity, false, nil
}

// EnsureProfile creates the profile with a permanent anonymous name if it does not exist yet.
func (s *Service) EnsureProfile(ctx context.Context, userID string) (Profile, error) {
	if err := validateUserID(userID); err != nil {
		return Profile{}, newServiceError(opEnsureProfile, "invalid_user_id", err)
	}
	candidate := Profile{
		UserID:          userID,
		AnonymousName:   s.nameGenerator(),
		AllowsMessaging: true,
		BlockedUserIDs:  store.StringSet{},
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if result.Error != nil {
		s.logError(opEnsureProfile, "profile_insert_failed", result.Error, zap.String("user_id", userID))
		return Profile{}, newServiceError(opEnsureProfile, "profile_insert_failed", result.Error)
	}
	if result.RowsAffected == 1 {
		s.publishProfile(userID, realtime.EventDocumentAdded)
	}
	return s.GetProfile(ctx, userID)
}

// GetProfile loads the profile for userID.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if err := validateUserID(userID); err != nil {
		return Profile{}, newServiceError(opGetProfile, "invalid_user_id", err)
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, newServiceError(opGetProfile, "not_found", ErrProfileNotFound)
	}
	if err != nil {
		s.logError(opGetProfile, "query_failed", err, zap.String("user_id", userID))
		return Profile{}, newServiceError(opGetProfile, "query_failed", err)
	}
	return profile, nil
}

// DisplayName returns the anonymous name shown to other users, or a neutral fallback.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil || profile.AnonymousName == "" {
		return fallbackDisplayName
	}
	return profile.AnonymousName
}

// UpdateProfile replaces the editable fields. The anonymous name and block list are preserved.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	if err := validateUserID(userID); err != nil {
		return Profile{}, newServiceError(opUpdateProfile, "invalid_user_id", err)
	}
	update.Gender = normalizeOptional(update.Gender)
	update.CountryCode = normalizeOptional(update.CountryCode)
	if update.Age != nil && (*update.Age <= 0 || *update.Age > maxAge) {
		return Profile{}, newServiceError(opUpdateProfile, "invalid_age", ErrInvalidProfile)
	}

	var updated Profile
	err := s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		var current Profile
		if err := tx.Where("user_id = ?", userID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		fields := map[string]any{
			"gender":           update.Gender,
			"age":              update.Age,
			"country_code":     update.CountryCode,
			"allows_messaging": update.AllowsMessaging,
		}
		if err := updateProfileVersioned(tx, userID, current.Version, fields); err != nil {
			return err
		}
		updated = current
		updated.Gender = update.Gender
		updated.Age = update.Age
		updated.CountryCode = update.CountryCode
		updated.AllowsMessaging = update.AllowsMessaging
		updated.Version = current.Version + 1
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return Profile{}, newServiceError(opUpdateProfile, "not_found", err)
		}
		s.logError(opUpdateProfile, "transaction_failed", err, zap.String("user_id", userID))
		return Profile{}, newServiceError(opUpdateProfile, "transaction_failed", err)
	}

	s.publishProfile(userID, realtime.EventDocumentChanged)
	return updated, nil
}

// BlockUser adds blockedID to the blocker's block list. Blocking an already blocked user is a no-op.
func (s *Service) BlockUser(ctx context.Context, blockerID, blockedID string) (Profile, error) {
	if err := validateUserID(blockerID); err != nil {
		return Profile{}, newServiceError(opBlockUser, "invalid_user_id", err)
	}
	if err := validateUserID(blockedID); err != nil {
		return Profile{}, newServiceError(opBlockUser, "invalid_user_id", err)
	}
	if blockerID == blockedID {
		return Profile{}, newServiceError(opBlockUser, "self_block", ErrSelfBlock)
	}

	var (
		updated Profile
		changed bool
	)
	err := s.transactor.RunTransaction(ctx, func(tx *gorm.DB) error {
		var current Profile
		if err := tx.Where("user_id = ?", blockerID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		updated = current
		changed = false
		if current.BlockedUserIDs.Contains(blockedID) {
			return nil
		}
		blocked := current.BlockedUserIDs.Union(blockedID)
		if err := updateProfileVersioned(tx, blockerID, current.Version, map[string]any{"blocked_user_ids": blocked}); err != nil {
			return err
		}
		updated.BlockedUserIDs = blocked
		updated.Version = current.Version + 1
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return Profile{}, newServiceError(opBlockUser, "not_found", err)
		}
		s.logError(opBlockUser, "transaction_failed", err,
			zap.String("user_id", blockerID),
			zap.String("blocked_user_id", blockedID))
		return Profile{}, newServiceError(opBlockUser, "transaction_failed", err)
	}

	if changed {
		s.publishProfile(blockerID, realtime.EventDocumentChanged)
	}
	return updated, nil
}

// WatchProfile streams the profile document.
func (s *Service) WatchProfile(ctx context.Context, userID string) *realtime.Listener[Profile] {
	return realtime.Watch(ctx, s.subscriber, realtime.ProfileTopic(userID), func(loadCtx context.Context) (Profile, error) {
		return s.GetProfile(loadCtx, userID)
	})
}

func updateProfileVersioned(tx *gorm.DB, userID string, version int64, fields map[string]any) error {
	return store.UpdateVersionedBy(tx, &Profile{}, "user_id", userID, version, fields)
}

func (s *Service) publishProfile(userID, kind string) {
	realtime.PublishAll(s.publisher, kind, []string{userID}, realtime.ProfileTopic(userID))
}

func validateUserID(userID string) error {
	trimmed := normalize(userID)
	if trimmed == "" || trimmed != userID || len(trimmed) > maxIdentifierLength {
		return ErrInvalidUserID
	}
	return nil
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
	s.logger.Error("users service error", attrs...)
}
