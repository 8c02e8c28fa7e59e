package store

import (
	"context"

	"keydirectory/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SigningKeyStore struct{ db *gorm.DB }

func (s *Store) SigningKeys() *SigningKeyStore { return &SigningKeyStore{db: s.DB} }

// Get returns the user's current key for the given usage
// (domain.UsageSelfSigning or domain.UsageUserSigning).
func (s *SigningKeyStore) Get(ctx context.Context, userID, usage string) (*domain.CrossSigningKey, error) {
	var row domain.CrossSigningKey
	if err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND usage = ?", userID, usage).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

// Set makes the given key the current one for (user, usage). The previous
// key is not retained; the chain only ever exposes its head.
func (s *SigningKeyStore) Set(ctx context.Context, key domain.CrossSigningKey) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "usage"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_json", "updated_at"}),
		}).
		Create(&key).Error
}
