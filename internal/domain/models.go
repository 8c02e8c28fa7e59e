package domain

import "time"

// DeviceKey is the current identity-key object for one (user, device).
// KeyJSON holds the uploaded device_keys object verbatim; replacing it is a
// full overwrite, never a merge.
type DeviceKey struct {
	UserID      string `gorm:"primaryKey;size:255"`
	DeviceID    string `gorm:"primaryKey;size:255"`
	KeyJSON     string `gorm:"type:text;not null"`
	DisplayName *string
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}

// OneTimeKey is a consume-once pre-key. Claiming deletes the row, so a later
// upload may legitimately reuse the same key id.
type OneTimeKey struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	DeviceID  string    `gorm:"primaryKey;size:255"`
	Algorithm string    `gorm:"primaryKey;size:64"`
	KeyID     string    `gorm:"primaryKey;size:255"`
	KeyJSON   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// Cross-signing key usages. One current key per (user, usage).
const (
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// CrossSigningKey holds the current self-signing or user-signing key of a
// user, as the raw uploaded JSON so queries return exactly what was accepted.
type CrossSigningKey struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	Usage     string    `gorm:"primaryKey;size:32"`
	KeyJSON   string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// DeviceSignature is a cross-signing attestation over a target device's
// currently stored key object.
type DeviceSignature struct {
	SignerUserID   string    `gorm:"primaryKey;size:255"`
	SignerKeyID    string    `gorm:"primaryKey;size:255"`
	TargetUserID   string    `gorm:"primaryKey;size:255"`
	TargetDeviceID string    `gorm:"primaryKey;size:255"`
	Signature      string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}
