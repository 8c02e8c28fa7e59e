package store

import (
	"context"

	"keydirectory/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceSignatureStore struct{ db *gorm.DB }

func (s *Store) DeviceSignatures() *DeviceSignatureStore { return &DeviceSignatureStore{db: s.DB} }

// AddBatch persists validated attestations. Re-uploading an attestation for
// the same (signer, signer key, target) overwrites the signature value.
func (d *DeviceSignatureStore) AddBatch(ctx context.Context, signatures []domain.DeviceSignature) error {
	if len(signatures) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "signer_user_id"}, {Name: "signer_key_id"},
				{Name: "target_user_id"}, {Name: "target_device_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"signature"}),
		}).
		Create(&signatures).Error
}

// GetForTarget lists stored attestations over one device.
func (d *DeviceSignatureStore) GetForTarget(ctx context.Context, targetUserID, targetDeviceID string) ([]domain.DeviceSignature, error) {
	var rows []domain.DeviceSignature
	if err := d.db.WithContext(ctx).
		Where("target_user_id = ? AND target_device_id = ?", targetUserID, targetDeviceID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
