package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates the mutation kinds recorded in the change log.
type Operation string

const (
	// OperationCreate records a newly created entity row.
	OperationCreate Operation = "create"
	// OperationUpdate records an in-place mutation of an existing row.
	OperationUpdate Operation = "update"
	// OperationDelete records a row removal; the logged snapshot is the pre-delete state.
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("entity: invalid tenant id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entity: invalid entity id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("entity: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("entity: invalid device id")
	// ErrUnknownEntityType indicates that the entity type tag is not syncable.
	ErrUnknownEntityType = errors.New("entity: unknown entity type")
	// ErrUnknownOperation indicates an operation outside create/update/delete.
	ErrUnknownOperation = errors.New("entity: unknown operation")
)

// syncableTypes enumerates every entity type tracked by the change log.
// The tags double as the logical table names of the business schema.
var syncableTypes = map[string]struct{}{
	"plots":                  {},
	"lots":                   {},
	"harvests":               {},
	"processing_records":     {},
	"green_bean_grades":      {},
	"cupping_sessions":       {},
	"cupping_samples":        {},
	"inventory_transactions": {},
	"roast_sessions":         {},
}

// TenantID represents a validated tenant (business) identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// EntityID represents a validated syncable-entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated per-device identifier used for sync cursors.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Type represents a validated syncable entity type tag.
type Type string

// NewType validates the tag against the syncable registry.
func NewType(rawInput string) (Type, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if _, ok := syncableTypes[trimmed]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
	}
	return Type(trimmed), nil
}

// String returns the underlying type tag.
func (t Type) String() string {
	return string(t)
}

// ParseOperation validates a raw operation tag.
func ParseOperation(rawInput string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, rawInput)
	}
}

// Record models the current state of a syncable business entity.
// Deleted rows are removed from this table; their final state survives in the
// change log at the version the delete was stamped with.
type Record struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_entity_tenant_version,priority:1"`
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	EntityVersion    int64  `gorm:"column:entity_version;not null;index:idx_entity_tenant_version,priority:2"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "entity_records"
}
