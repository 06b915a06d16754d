package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
)

// ConflictStatus tracks the lifecycle of a detected conflict.
type ConflictStatus string

const (
	// ConflictStatusPending marks a conflict awaiting user resolution.
	ConflictStatusPending ConflictStatus = "pending"
	// ConflictStatusResolvedLocal marks a conflict settled with the client's payload.
	ConflictStatusResolvedLocal ConflictStatus = "resolved_local"
	// ConflictStatusResolvedServer marks a conflict settled with the server's payload.
	ConflictStatusResolvedServer ConflictStatus = "resolved_server"
	// ConflictStatusResolvedMerged marks a conflict settled with a merged payload.
	ConflictStatusResolvedMerged ConflictStatus = "resolved_merged"
)

// Resolution enumerates the winning side chosen when settling a conflict.
type Resolution string

const (
	// ResolutionLocal applies the client's conflicting payload.
	ResolutionLocal Resolution = "local"
	// ResolutionServer keeps the server state already in place.
	ResolutionServer Resolution = "server"
	// ResolutionMerged applies a payload merged by the user.
	ResolutionMerged Resolution = "merged"
)

var (
	// ErrUnknownResolution indicates a resolution outside local/server/merged.
	ErrUnknownResolution = errors.New("sync: unknown resolution")
	// ErrMissingMergedPayload indicates a merged resolution without a payload.
	ErrMissingMergedPayload = errors.New("sync: merged resolution requires a payload")
	// ErrNegativeVersion indicates a client-supplied version below zero.
	ErrNegativeVersion = errors.New("sync: version must not be negative")
)

// ParseResolution validates a raw resolution tag.
func ParseResolution(rawInput string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(ResolutionLocal):
		return ResolutionLocal, nil
	case string(ResolutionServer):
		return ResolutionServer, nil
	case string(ResolutionMerged):
		return ResolutionMerged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResolution, rawInput)
	}
}

// ChangeLogEntry is the append-only ledger row behind delta sync. Entries are
// totally ordered per tenant by entity_version and are never mutated.
type ChangeLogEntry struct {
	TenantID         string           `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	EntityVersion    int64            `gorm:"column:entity_version;primaryKey;not null"`
	EntityType       string           `gorm:"column:entity_type;size:64;not null"`
	EntityID         string           `gorm:"column:entity_id;size:190;not null"`
	Operation        entity.Operation `gorm:"column:op;size:16;not null"`
	PayloadJSON      string           `gorm:"column:payload_json;type:text;not null"`
	ChangedAtSeconds int64            `gorm:"column:changed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "sync_log"
}

// ConflictRecord stores a detected divergence between a client edit and the
// server state, awaiting user resolution. Terminal once resolved.
type ConflictRecord struct {
	ConflictID            string         `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	TenantID              string         `gorm:"column:tenant_id;size:190;not null;index:idx_conflicts_tenant_entity,priority:1"`
	UserID                string         `gorm:"column:user_id;size:190;not null;index:idx_conflicts_user_status,priority:1"`
	EntityType            string         `gorm:"column:entity_type;size:64;not null;index:idx_conflicts_tenant_entity,priority:2"`
	EntityID              string         `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_tenant_entity,priority:3"`
	LocalBaseVersion      int64          `gorm:"column:local_base_version;not null"`
	LocalPayloadJSON      string         `gorm:"column:local_payload_json;type:text;not null"`
	LocalChangedAtSeconds int64          `gorm:"column:local_changed_at_s;not null"`
	ServerVersion         int64          `gorm:"column:server_version;not null"`
	ServerPayloadJSON     string         `gorm:"column:server_payload_json;type:text;not null"`
	Status                ConflictStatus `gorm:"column:status;size:32;not null;default:pending;index:idx_conflicts_user_status,priority:2"`
	CreatedAtSeconds      int64          `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds     int64          `gorm:"column:resolved_at_s;not null;default:0"`
	ResolvedPayloadJSON   string         `gorm:"column:resolved_payload_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "sync_conflicts"
}

// DeviceCursor bookmarks the last version a device has successfully ingested.
type DeviceCursor struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID          string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastSyncVersion   int64  `gorm:"column:last_sync_version;not null;default:0"`
	LastSyncAtSeconds int64  `gorm:"column:last_sync_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceCursor) TableName() string {
	return "sync_state"
}

// PendingChange describes a client-side operation awaiting server apply.
type PendingChange struct {
	EntityType       entity.Type
	EntityID         entity.EntityID
	Operation        entity.Operation
	BaseVersion      int64
	PayloadJSON      string
	ChangedAtSeconds int64
}

// Validate rejects structurally invalid pending changes before any storage work.
func (c PendingChange) Validate() error {
	if c.EntityType == "" {
		return entity.ErrUnknownEntityType
	}
	if c.EntityID == "" {
		return entity.ErrInvalidEntityID
	}
	if c.BaseVersion < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeVersion, c.BaseVersion)
	}
	switch c.Operation {
	case entity.OperationCreate, entity.OperationUpdate, entity.OperationDelete:
		return nil
	default:
		return fmt.Errorf("%w: %q", entity.ErrUnknownOperation, string(c.Operation))
	}
}

// ApplyStatus classifies the per-item outcome of a push.
type ApplyStatus string

const (
	// ApplyStatusApplied means the change committed and drew a new version.
	ApplyStatusApplied ApplyStatus = "applied"
	// ApplyStatusConflict means the server had progressed past the client's base version.
	ApplyStatusConflict ApplyStatus = "conflict"
	// ApplyStatusNotFound means an update/delete referenced an entity the server no longer has.
	ApplyStatusNotFound ApplyStatus = "not_found"
)

// ApplyOutcome reports what happened to a single pushed change.
type ApplyOutcome struct {
	Change     PendingChange
	Status     ApplyStatus
	NewVersion int64
	Conflict   *ConflictRecord
}
