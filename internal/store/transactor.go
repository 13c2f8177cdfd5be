package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 10 * time.Millisecond
	maxRetryInterval       = 250 * time.Millisecond
	columnID               = "id"
	columnVersion          = "version"
)

var (
	// ErrNotFound reports that a referenced document was absent when the operation ran.
	ErrNotFound = errors.New("store: document not found")
	// ErrConflict reports that a versioned write lost against a concurrent writer.
	ErrConflict = errors.New("store: write conflict")

	errMissingDatabase = errors.New("store: database handle is required")
)

// TransactorConfig describes the dependencies used to run store transactions.
type TransactorConfig struct {
	Database        *gorm.DB
	MaxAttempts     int
	InitialInterval time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Transactor runs read-modify-write functions atomically and retries them on write conflicts.
type Transactor struct {
	db              *gorm.DB
	maxAttempts     int
	initialInterval time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

func NewTransactor(cfg TransactorConfig) (*Transactor, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interval := cfg.InitialInterval
	if interval <= 0 {
		interval = defaultInitialInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transactor{
		db:              cfg.Database,
		maxAttempts:     maxAttempts,
		initialInterval: interval,
		logger:          logger,
		metrics:         cfg.Metrics,
	}, nil
}

// Database exposes the underlying handle for non-transactional reads.
func (t *Transactor) Database() *gorm.DB {
	return t.db
}

// RunTransaction executes fn inside a transaction. Conflicts and busy-database errors rerun fn
// from scratch; any other error aborts immediately and is returned unchanged.
func (t *Transactor) RunTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialInterval
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = 0

	strategy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.maxAttempts-1)), ctx)

	operation := func() error {
		err := t.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if _, retryable := retryReason(err); retryable {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		reason, _ := retryReason(err)
		t.metrics.IncTransactionRetry(reason)
		t.logger.Debug("store transaction retry",
			zap.String("reason", reason),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, strategy, notify)
}

func retryReason(err error) (string, bool) {
	if errors.Is(err, ErrConflict) {
		return "conflict", true
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "database is locked") || strings.Contains(message, "sqlite_busy") {
		return "busy", true
	}
	return "", false
}

// UpdateVersioned merges fields into the document identified by id when its stored version still
// equals version. The version column is incremented; a lost race reports ErrConflict.
func UpdateVersioned(tx *gorm.DB, model any, id string, version int64, updates map[string]any) error {
	return UpdateVersionedBy(tx, model, columnID, id, version, updates)
}

// UpdateVersionedBy is UpdateVersioned for documents keyed by a column other than id.
func UpdateVersionedBy(tx *gorm.DB, model any, keyColumn, key string, version int64, updates map[string]any) error {
	fields := make(map[string]any, len(updates)+1)
	for name, value := range updates {
		fields[name] = value
	}
	fields[columnVersion] = version + 1

	result := tx.Model(model).
		Where(keyColumn+" = ? AND "+columnVersion+" = ?", key, version).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
