package sync

import (
	"context"
	"errors"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCursorGet     = "sync.cursor_get"
	opCursorAdvance = "sync.cursor_advance"
)

// CursorVersion returns the last version the device has successfully synced,
// zero for a device the server has never seen.
func (s *Service) CursorVersion(ctx context.Context, userID entity.UserID, deviceID entity.DeviceID) (int64, error) {
	var cursor DeviceCursor
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID.String(), deviceID.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opCursorGet, "query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("device_id", deviceID.String()))
		return 0, newServiceError(opCursorGet, "query_failed", err)
	}
	return cursor.LastSyncVersion, nil
}

// AdvanceCursor moves the device bookmark forward. Proposals at or behind the
// stored value are ignored, so concurrent sync rounds from the same device
// can never regress the cursor.
func (s *Service) AdvanceCursor(ctx context.Context, userID entity.UserID, deviceID entity.DeviceID, newVersion int64) error {
	if newVersion < 0 {
		return newServiceError(opCursorAdvance, "negative_version", ErrNegativeVersion)
	}

	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&DeviceCursor{}).
			Where("user_id = ? AND device_id = ? AND last_sync_version < ?",
				userID.String(), deviceID.String(), newVersion).
			Updates(map[string]interface{}{
				"last_sync_version": newVersion,
				"last_sync_at_s":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}

		var existing DeviceCursor
		err := tx.Where("user_id = ? AND device_id = ?", userID.String(), deviceID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cursor := DeviceCursor{
				UserID:            userID.String(),
				DeviceID:          deviceID.String(),
				LastSyncVersion:   newVersion,
				LastSyncAtSeconds: now,
			}
			return tx.Create(&cursor).Error
		}
		// Existing cursor is already at or past newVersion: keep it.
		return err
	})
	if txErr != nil {
		s.logError(opCursorAdvance, "advance_failed", txErr,
			zap.String("user_id", userID.String()),
			zap.String("device_id", deviceID.String()))
		return newServiceError(opCursorAdvance, "advance_failed", txErr)
	}
	return nil
}
