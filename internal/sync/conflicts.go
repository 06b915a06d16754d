package sync

import (
	"context"
	"errors"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConflictNotFound indicates a resolve request for an unknown conflict id.
var ErrConflictNotFound = errors.New("sync: conflict not found")

const (
	opRecordConflict   = "sync.record_conflict"
	opPendingConflicts = "sync.pending_conflicts"
	opResolveConflict  = "sync.resolve_conflict"
)

// recordConflict persists a detected conflict. At most one pending conflict
// exists per entity: re-detection refreshes the pending row with the client's
// most recent local attempt and the server state observed at detection time.
func (s *Service) recordConflict(ctx context.Context, userID entity.UserID, tenantID entity.TenantID, change PendingChange, cause *ConflictError) (*ConflictRecord, error) {
	var record ConflictRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND status = ?",
				tenantID.String(), change.EntityType.String(), change.EntityID.String(), ConflictStatusPending).
			Take(&record).Error
		now := s.clock().UTC().Unix()

		if errors.Is(err, gorm.ErrRecordNotFound) {
			conflictID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			record = ConflictRecord{
				ConflictID:            conflictID,
				TenantID:              tenantID.String(),
				UserID:                userID.String(),
				EntityType:            change.EntityType.String(),
				EntityID:              change.EntityID.String(),
				LocalBaseVersion:      change.BaseVersion,
				LocalPayloadJSON:      change.PayloadJSON,
				LocalChangedAtSeconds: change.ChangedAtSeconds,
				ServerVersion:         cause.ServerVersion,
				ServerPayloadJSON:     cause.ServerPayloadJSON,
				Status:                ConflictStatusPending,
				CreatedAtSeconds:      now,
			}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}

		record.UserID = userID.String()
		record.LocalBaseVersion = change.BaseVersion
		record.LocalPayloadJSON = change.PayloadJSON
		record.LocalChangedAtSeconds = change.ChangedAtSeconds
		record.ServerVersion = cause.ServerVersion
		record.ServerPayloadJSON = cause.ServerPayloadJSON
		return tx.Save(&record).Error
	})
	if txErr != nil {
		return nil, txErr
	}
	return &record, nil
}

// PendingConflicts lists the caller's unresolved conflicts, oldest first.
func (s *Service) PendingConflicts(ctx context.Context, userID entity.UserID) ([]ConflictRecord, error) {
	var records []ConflictRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID.String(), ConflictStatusPending).
		Order("created_at_s ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opPendingConflicts, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opPendingConflicts, "query_failed", err)
	}
	return records, nil
}

// ResolveConflict settles a pending conflict. Local and merged resolutions
// apply the winning payload through the normal mutation path, drawing a new
// version and a new log entry; server resolutions keep the state already in
// place. Resolving an already-settled conflict is a no-op returning the
// terminal record.
func (s *Service) ResolveConflict(ctx context.Context, userID entity.UserID, conflictID string, resolution Resolution, mergedPayloadJSON string) (*ConflictRecord, error) {
	if resolution == ResolutionMerged && mergedPayloadJSON == "" {
		return nil, newServiceError(opResolveConflict, "missing_merged_payload", ErrMissingMergedPayload)
	}

	var record ConflictRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conflict_id = ? AND user_id = ?", conflictID, userID.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConflictNotFound
		}
		if err != nil {
			return err
		}
		if record.Status != ConflictStatusPending {
			return nil
		}

		entityType, err := entity.NewType(record.EntityType)
		if err != nil {
			return err
		}
		entityID, err := entity.NewEntityID(record.EntityID)
		if err != nil {
			return err
		}

		switch resolution {
		case ResolutionServer:
			record.Status = ConflictStatusResolvedServer
			record.ResolvedPayloadJSON = record.ServerPayloadJSON
		case ResolutionLocal:
			if err := s.applyWinningPayload(tx, record.TenantID, entityType, entityID, record.LocalPayloadJSON); err != nil {
				return err
			}
			record.Status = ConflictStatusResolvedLocal
			record.ResolvedPayloadJSON = record.LocalPayloadJSON
		case ResolutionMerged:
			if err := s.applyWinningPayload(tx, record.TenantID, entityType, entityID, mergedPayloadJSON); err != nil {
				return err
			}
			record.Status = ConflictStatusResolvedMerged
			record.ResolvedPayloadJSON = mergedPayloadJSON
		default:
			return ErrUnknownResolution
		}

		record.ResolvedAtSeconds = s.clock().UTC().Unix()
		return tx.Save(&record).Error
	})

	if txErr != nil {
		if errors.Is(txErr, ErrConflictNotFound) {
			return nil, txErr
		}
		s.logError(opResolveConflict, "resolve_failed", txErr, zap.String("conflict_id", conflictID))
		return nil, newServiceError(opResolveConflict, "resolve_failed", txErr)
	}
	return &record, nil
}

// applyWinningPayload writes the resolution payload at the entity's current
// version, resurrecting the row when the server side deleted it meanwhile.
func (s *Service) applyWinningPayload(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID, payloadJSON string) error {
	var current entity.Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType.String(), entityID.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, createErr := s.recorder.create(tx, tenantID, entityType, entityID, payloadJSON)
		return createErr
	}
	if err != nil {
		return err
	}
	_, updateErr := s.recorder.update(tx, tenantID, entityType, entityID, current.EntityVersion, payloadJSON)
	return updateErr
}
