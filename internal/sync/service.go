// Package sync implements the offline delta-sync core: the append-only
// change log, pull/push coordination with optimistic concurrency, durable
// conflict records, and per-device sync cursors.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"github.com/Fai/poc-coffee-quality-management/internal/version"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultPullLimit bounds a single pull page when the client names no limit.
	DefaultPullLimit = 1000
	// MaxPullLimit is the hard ceiling for a single pull page.
	MaxPullLimit = 1000
	// MaxPushBatch bounds the number of pending changes accepted in one push.
	MaxPushBatch = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrBatchTooLarge indicates a push exceeding MaxPushBatch items.
	ErrBatchTooLarge = errors.New("sync: push batch too large")
	noOpLogger       = zap.NewNop()
)

// ServiceError wraps sync failures with a dotted operation code for logging
// and client-facing classification.
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

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "sync.service.new"
	opGetChanges    = "sync.get_changes"
	opApplyChanges  = "sync.apply_changes"
	opLatestVersion = "sync.latest_version"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for conflict records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig carries the dependencies of the sync coordinator.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service coordinates pulls, pushes, conflict bookkeeping and device cursors.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	recorder   recordMutation
}

// NewService validates the configuration and constructs the coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		recorder:   recordMutation{clock: clock},
	}, nil
}

// GetChangesSince returns the tenant's change-log entries with
// entity_version > sinceVersion, ascending, truncated to limit. The log is
// append-only, so repeating a call with the same arguments yields the same page.
func (s *Service) GetChangesSince(ctx context.Context, tenantID entity.TenantID, sinceVersion int64, limit int) ([]ChangeLogEntry, error) {
	if sinceVersion < 0 {
		return nil, newServiceError(opGetChanges, "negative_since_version", ErrNegativeVersion)
	}
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	var entries []ChangeLogEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_version > ?", tenantID.String(), sinceVersion).
		Order("entity_version ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opGetChanges, "query_failed", err, zap.String("tenant_id", tenantID.String()))
		return nil, newServiceError(opGetChanges, "query_failed", err)
	}
	return entries, nil
}

// LatestVersion reports the tenant's highest issued version, zero when the
// tenant has never mutated anything.
func (s *Service) LatestVersion(ctx context.Context, tenantID entity.TenantID) (int64, error) {
	latest, err := version.Current(s.db.WithContext(ctx), tenantID.String())
	if err != nil {
		s.logError(opLatestVersion, "query_failed", err, zap.String("tenant_id", tenantID.String()))
		return 0, newServiceError(opLatestVersion, "query_failed", err)
	}
	return latest, nil
}

// ApplyChanges pushes client-side pending operations. Each change applies in
// its own transaction so one conflicted item never poisons the rest of the
// batch. Stale base versions and commit-time CAS misses both land as conflict
// records; missing rows on update/delete are reported distinctly, never as
// conflicts and never silently dropped.
func (s *Service) ApplyChanges(ctx context.Context, userID entity.UserID, tenantID entity.TenantID, changes []PendingChange) ([]ApplyOutcome, error) {
	if len(changes) > MaxPushBatch {
		return nil, newServiceError(opApplyChanges, "batch_too_large", ErrBatchTooLarge)
	}
	for _, change := range changes {
		if err := change.Validate(); err != nil {
			return nil, newServiceError(opApplyChanges, "invalid_change", err)
		}
	}

	outcomes := make([]ApplyOutcome, 0, len(changes))
	for _, change := range changes {
		outcome, err := s.applySingle(ctx, userID, tenantID, change)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) applySingle(ctx context.Context, userID entity.UserID, tenantID entity.TenantID, change PendingChange) (ApplyOutcome, error) {
	var newVersion int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		switch change.Operation {
		case entity.OperationCreate:
			newVersion, err = s.recorder.create(tx, tenantID.String(), change.EntityType, change.EntityID, change.PayloadJSON)
		case entity.OperationUpdate:
			newVersion, err = s.recorder.update(tx, tenantID.String(), change.EntityType, change.EntityID, change.BaseVersion, change.PayloadJSON)
		case entity.OperationDelete:
			newVersion, err = s.recorder.delete(tx, tenantID.String(), change.EntityType, change.EntityID, change.BaseVersion)
		default:
			err = entity.ErrUnknownOperation
		}
		return err
	})

	if txErr == nil {
		return ApplyOutcome{Change: change, Status: ApplyStatusApplied, NewVersion: newVersion}, nil
	}

	var conflictErr *ConflictError
	if errors.As(txErr, &conflictErr) {
		record, err := s.recordConflict(ctx, userID, tenantID, change, conflictErr)
		if err != nil {
			s.logError(opApplyChanges, "conflict_record_failed", err,
				zap.String("tenant_id", tenantID.String()),
				zap.String("entity_id", change.EntityID.String()))
			return ApplyOutcome{}, newServiceError(opApplyChanges, "conflict_record_failed", err)
		}
		return ApplyOutcome{Change: change, Status: ApplyStatusConflict, Conflict: record}, nil
	}

	if errors.Is(txErr, ErrEntityNotFound) {
		return ApplyOutcome{Change: change, Status: ApplyStatusNotFound}, nil
	}

	s.logError(opApplyChanges, "apply_failed", txErr,
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity_type", change.EntityType.String()),
		zap.String("entity_id", change.EntityID.String()))
	return ApplyOutcome{}, newServiceError(opApplyChanges, "apply_failed", txErr)
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
	s.logger.Error("sync service error", attrs...)
}
