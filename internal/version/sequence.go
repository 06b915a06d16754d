// Package version owns the per-tenant monotonic version sequence that stamps
// every entity mutation and change-log entry.
package version

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrMissingTenant indicates a sequence draw without a tenant scope.
	ErrMissingTenant = errors.New("version: tenant id required")
	errNoValue       = errors.New("version: sequence returned no value")
)

// Counter persists the high-water mark of a tenant's version sequence.
type Counter struct {
	TenantID string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Value    int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "tenant_sequences"
}

// Next draws the next version for the tenant. The increment is a single
// atomic upsert, so two concurrent writers never receive the same value.
// Callers pass their open transaction; the draw commits or rolls back with it.
func Next(tx *gorm.DB, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}

	var value int64
	row := tx.Raw(
		`INSERT INTO tenant_sequences (tenant_id, value) VALUES (?, 1)
		 ON CONFLICT (tenant_id) DO UPDATE SET value = value + 1
		 RETURNING value`,
		tenantID,
	).Row()
	if row == nil {
		return 0, errNoValue
	}
	if err := row.Scan(&value); err != nil {
		return 0, fmt.Errorf("version: sequence increment failed: %w", err)
	}
	return value, nil
}

// Current reports the tenant's latest issued version without consuming one.
// A tenant with no mutations yet reports zero.
func Current(tx *gorm.DB, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}

	var counter Counter
	err := tx.Where("tenant_id = ?", tenantID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version: sequence lookup failed: %w", err)
	}
	return counter.Value, nil
}
