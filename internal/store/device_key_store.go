package store

import (
	"context"

	"keydirectory/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceKeyStore struct{ db *gorm.DB }

func (s *Store) DeviceKeys() *DeviceKeyStore { return &DeviceKeyStore{db: s.DB} }

// DeviceKeyQuery selects devices of one user; an empty DeviceIDs list means
// all devices.
type DeviceKeyQuery struct {
	UserID    string
	DeviceIDs []string
}

// Set overwrites the key object for (user, device). It reports whether the
// stored object actually changed, so callers only notify the device-list
// subsystem on real updates. keyJSON must already be in canonical form.
func (d *DeviceKeyStore) Set(ctx context.Context, userID, deviceID, keyJSON string, displayName *string) (bool, error) {
	var existing domain.DeviceKey
	err := d.db.WithContext(ctx).
		First(&existing, "user_id = ? AND device_id = ?", userID, deviceID).Error
	switch {
	case err == gorm.ErrRecordNotFound:
	case err != nil:
		return false, err
	case existing.KeyJSON == keyJSON:
		return false, nil
	}

	row := domain.DeviceKey{UserID: userID, DeviceID: deviceID, KeyJSON: keyJSON, DisplayName: displayName}
	if err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_json", "display_name", "updated_at"}),
		}).
		Create(&row).Error; err != nil {
		return false, err
	}
	return true, nil
}

// SetDisplayName refreshes the registry-owned display name on an existing
// key row. A device without uploaded keys is a no-op.
func (d *DeviceKeyStore) SetDisplayName(ctx context.Context, userID, deviceID string, displayName *string) error {
	return d.db.WithContext(ctx).
		Model(&domain.DeviceKey{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Update("display_name", displayName).Error
}

// GetBatch resolves a set of per-user device queries into
// user -> device -> stored row. Users with no stored devices simply have no
// entry; presence-for-every-user is the caller's concern.
func (d *DeviceKeyStore) GetBatch(ctx context.Context, queries []DeviceKeyQuery) (map[string]map[string]domain.DeviceKey, error) {
	results := make(map[string]map[string]domain.DeviceKey, len(queries))
	for _, q := range queries {
		tx := d.db.WithContext(ctx).Where("user_id = ?", q.UserID)
		if len(q.DeviceIDs) > 0 {
			tx = tx.Where("device_id IN ?", q.DeviceIDs)
		}
		var rows []domain.DeviceKey
		if err := tx.Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			devices := results[row.UserID]
			if devices == nil {
				devices = make(map[string]domain.DeviceKey)
				results[row.UserID] = devices
			}
			devices[row.DeviceID] = row
		}
	}
	return results, nil
}

// Get returns the stored key object for a single device.
func (d *DeviceKeyStore) Get(ctx context.Context, userID, deviceID string) (*domain.DeviceKey, error) {
	var row domain.DeviceKey
	if err := d.db.WithContext(ctx).
		First(&row, "user_id = ? AND device_id = ?", userID, deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}
