package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"github.com/Fai/poc-coffee-quality-management/internal/version"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEntityNotFound indicates an update or delete referencing a row the
// server never had, or has already deleted.
var ErrEntityNotFound = errors.New("sync: entity not found")

// ConflictError reports that the server's version has progressed past the
// base version a mutation was predicated on. It carries the server side of
// the divergence so the caller can open a conflict record.
type ConflictError struct {
	ServerVersion     int64
	ServerPayloadJSON string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync: version conflict at server version %d", e.ServerVersion)
}

// recordMutation is the change-logging interceptor: every entity mutation
// flows through one of its methods inside a single transaction, so the row
// stamp and the log entry commit or roll back together with the mutation.
// A failed mutation consumes no version and leaves no log entry because the
// enclosing transaction is rolled back whole.
type recordMutation struct {
	clock func() time.Time
}

// create inserts a new entity row at a freshly drawn version and logs it.
// An already-present row is surfaced as a ConflictError carrying the stored state.
func (r recordMutation) create(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID, payloadJSON string) (int64, error) {
	var existing entity.Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType.String(), entityID.String()).
		Take(&existing).Error
	if err == nil {
		return 0, &ConflictError{ServerVersion: existing.EntityVersion, ServerPayloadJSON: existing.PayloadJSON}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	newVersion, err := version.Next(tx, tenantID)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC().Unix()
	record := entity.Record{
		TenantID:         tenantID,
		EntityType:       entityType.String(),
		EntityID:         entityID.String(),
		EntityVersion:    newVersion,
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return 0, err
	}

	return newVersion, r.appendLog(tx, tenantID, entityType, entityID, entity.OperationCreate, newVersion, payloadJSON)
}

// update stamps a new version onto the row via an atomic compare-and-set on
// the expected version. Zero rows affected means the row vanished or another
// writer got there first; both outcomes are re-read and classified.
func (r recordMutation) update(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID, expectedVersion int64, payloadJSON string) (int64, error) {
	newVersion, err := version.Next(tx, tenantID)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC().Unix()
	result := tx.Model(&entity.Record{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND entity_version = ?",
			tenantID, entityType.String(), entityID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"entity_version": newVersion,
			"payload_json":   payloadJSON,
			"updated_at_s":   now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, r.classifyMiss(tx, tenantID, entityType, entityID)
	}

	return newVersion, r.appendLog(tx, tenantID, entityType, entityID, entity.OperationUpdate, newVersion, payloadJSON)
}

// delete removes the row and logs its pre-delete snapshot at a new version.
// The entity's own last version stays in history; the delete itself advances
// the tenant sequence so pulls observe it in order.
func (r recordMutation) delete(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID, expectedVersion int64) (int64, error) {
	var existing entity.Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType.String(), entityID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrEntityNotFound
	}
	if err != nil {
		return 0, err
	}
	if existing.EntityVersion != expectedVersion {
		return 0, &ConflictError{ServerVersion: existing.EntityVersion, ServerPayloadJSON: existing.PayloadJSON}
	}

	newVersion, err := version.Next(tx, tenantID)
	if err != nil {
		return 0, err
	}

	result := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND entity_version = ?",
		tenantID, entityType.String(), entityID.String(), expectedVersion).
		Delete(&entity.Record{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, r.classifyMiss(tx, tenantID, entityType, entityID)
	}

	return newVersion, r.appendLog(tx, tenantID, entityType, entityID, entity.OperationDelete, newVersion, existing.PayloadJSON)
}

// classifyMiss distinguishes "row gone" from "row moved on" after a CAS miss.
func (r recordMutation) classifyMiss(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID) error {
	var current entity.Record
	err := tx.Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType.String(), entityID.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrEntityNotFound
	}
	if err != nil {
		return err
	}
	return &ConflictError{ServerVersion: current.EntityVersion, ServerPayloadJSON: current.PayloadJSON}
}

func (r recordMutation) appendLog(tx *gorm.DB, tenantID string, entityType entity.Type, entityID entity.EntityID, op entity.Operation, entityVersion int64, payloadJSON string) error {
	logEntry := ChangeLogEntry{
		TenantID:         tenantID,
		EntityVersion:    entityVersion,
		EntityType:       entityType.String(),
		EntityID:         entityID.String(),
		Operation:        op,
		PayloadJSON:      payloadJSON,
		ChangedAtSeconds: r.clock().UTC().Unix(),
	}
	return tx.Create(&logEntry).Error
}
