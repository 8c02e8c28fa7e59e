package store

import (
	"context"

	"keydirectory/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimeKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimeKeys() *OneTimeKeyStore { return &OneTimeKeyStore{db: s.DB} }

// AlgKeyID identifies one uploaded key within a device's pool.
type AlgKeyID struct {
	Algorithm string
	KeyID     string
}

// GetExisting returns the stored JSON for any of the given ids that are
// already persisted, for the upload conflict check.
func (o *OneTimeKeyStore) GetExisting(ctx context.Context, userID, deviceID string, ids []AlgKeyID) (map[AlgKeyID]string, error) {
	existing := make(map[AlgKeyID]string, len(ids))
	for _, id := range ids {
		var row domain.OneTimeKey
		err := o.db.WithContext(ctx).
			First(&row, "user_id = ? AND device_id = ? AND algorithm = ? AND key_id = ?",
				userID, deviceID, id.Algorithm, id.KeyID).Error
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		existing[id] = row.KeyJSON
	}
	return existing, nil
}

func (o *OneTimeKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimeKey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys).Error
}

// ClaimOne consumes one key of the given algorithm: the returned key is
// deleted in the same operation and can never be claimed again. Returns
// (nil, nil) when the pool is empty.
func (o *OneTimeKeyStore) ClaimOne(ctx context.Context, userID, deviceID, algorithm string) (*domain.OneTimeKey, error) {
	var key domain.OneTimeKey
	err := o.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("user_id = ? AND device_id = ? AND algorithm = ?", userID, deviceID, algorithm).
		Order("created_at ASC, key_id ASC").
		First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := o.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ? AND algorithm = ? AND key_id = ?",
			key.UserID, key.DeviceID, key.Algorithm, key.KeyID).
		Delete(&domain.OneTimeKey{}).Error; err != nil {
		return nil, err
	}
	return &key, nil
}

// CountByAlgorithm reports the unclaimed pool size per algorithm.
func (o *OneTimeKeyStore) CountByAlgorithm(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	var rows []struct {
		Algorithm string
		Total     int64
	}
	if err := o.db.WithContext(ctx).
		Model(&domain.OneTimeKey{}).
		Select("algorithm, count(*) as total").
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Group("algorithm").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Algorithm] = int(row.Total)
	}
	return counts, nil
}
