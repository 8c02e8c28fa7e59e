package service

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"log/slog"

	"keydirectory/internal/domain"
	"keydirectory/internal/dto"
	"keydirectory/internal/sigverify"
	"keydirectory/internal/store"

	"github.com/matrix-org/gomatrixserverlib"
)

// UploadSigningKeys validates and stores a user's self-signing and/or
// user-signing key. A self-signing key forms a chain: replacing one requires
// a "replaces" pointer to the prior key's bare id and a valid signature by
// the prior key over the new key. A user-signing key has no chain but must
// always be signed by the current self-signing key.
func (s *Service) UploadSigningKeys(ctx context.Context, userID string, req dto.UploadSigningKeysRequest) error {
	oldSelf, err := s.store.SigningKeys().Get(ctx, userID, domain.UsageSelfSigning)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}

	// currentSelf is whatever the user-signing key must be signed by: the
	// just-validated new self-signing key, or the stored one.
	var currentSelf []byte
	if oldSelf != nil {
		currentSelf = []byte(oldSelf.KeyJSON)
	}

	if len(req.SelfSigningKey) > 0 {
		if err := s.validateSelfSigningKey(userID, req.SelfSigningKey, oldSelf); err != nil {
			return err
		}
		currentSelf = req.SelfSigningKey
	}

	if len(req.UserSigningKey) > 0 {
		if err := validateUserSigningKey(userID, req.UserSigningKey, currentSelf); err != nil {
			return err
		}
	}

	// Everything checked out; persist.
	if len(req.SelfSigningKey) > 0 {
		if err := s.store.SigningKeys().Set(ctx, domain.CrossSigningKey{
			UserID:  userID,
			Usage:   domain.UsageSelfSigning,
			KeyJSON: string(req.SelfSigningKey),
		}); err != nil {
			return err
		}
		slog.Info("stored self-signing key", "user_id", userID, "replacement", oldSelf != nil)
	}
	if len(req.UserSigningKey) > 0 {
		if err := s.store.SigningKeys().Set(ctx, domain.CrossSigningKey{
			UserID:  userID,
			Usage:   domain.UsageUserSigning,
			KeyJSON: string(req.UserSigningKey),
		}); err != nil {
			return err
		}
		slog.Info("stored user-signing key", "user_id", userID)
	}
	return nil
}

func (s *Service) validateSelfSigningKey(userID string, raw json.RawMessage, oldSelf *domain.CrossSigningKey) error {
	var parsed dto.SigningKey
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return clientErrorf("Invalid self-signing key")
	}
	if parsed.UserID != userID || !parsed.HasUsage(domain.UsageSelfSigning) {
		return clientErrorf("Invalid self-signing key")
	}
	if _, _, err := sigverify.VerifyKeyFromKeyInfo(raw); err != nil {
		return clientErrorf("Invalid key")
	}

	if oldSelf == nil {
		// First key of the chain. A chain signature with nothing to chain
		// from is malformed.
		if len(parsed.Signatures) > 0 {
			return clientErrorf("Invalid signature")
		}
		return nil
	}

	oldKeyID, oldVerifyKey, err := sigverify.VerifyKeyFromKeyInfo([]byte(oldSelf.KeyJSON))
	if err != nil {
		return clientErrorf("Invalid key")
	}
	if parsed.Replaces == "" {
		return clientErrorf("A self-signing key already exists")
	}
	if parsed.Replaces != sigverify.BareKeyID(string(oldKeyID)) {
		return clientErrorf("Incorrect replaces property")
	}
	if _, ok := sigverify.SignatureValue(raw, userID, oldKeyID); !ok {
		return clientErrorf("Invalid signature on self-signing key")
	}
	if err := sigverify.VerifySignedJSON(raw, userID, oldKeyID, oldVerifyKey); err != nil {
		return clientErrorf("Invalid signature on self-signing key")
	}
	return nil
}

func validateUserSigningKey(userID string, raw json.RawMessage, currentSelf []byte) error {
	var parsed dto.SigningKey
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return clientErrorf("Invalid user-signing key")
	}
	if parsed.UserID != userID || !parsed.HasUsage(domain.UsageUserSigning) {
		return clientErrorf("Invalid user-signing key")
	}
	if currentSelf == nil {
		return clientErrorf("No self-signing key exists")
	}
	selfKeyID, selfVerifyKey, err := sigverify.VerifyKeyFromKeyInfo(currentSelf)
	if err != nil {
		return clientErrorf("Invalid key")
	}
	if _, ok := sigverify.SignatureValue(raw, userID, selfKeyID); !ok {
		return clientErrorf("Invalid signature on user-signing key")
	}
	if err := sigverify.VerifySignedJSON(raw, userID, selfKeyID, selfVerifyKey); err != nil {
		return clientErrorf("Invalid signature on user-signing key")
	}
	return nil
}

// UploadDeviceSignatures validates cross-signing attestations over device
// keys and persists the valid ones in one batch. A signature over the
// signer's own device must come from their self-signing key; one over
// another user's device from their user-signing key. Invalid entries are
// collected per entry and never abort the batch.
func (s *Service) UploadDeviceSignatures(ctx context.Context, signerUserID string, req dto.UploadSignaturesRequest) (dto.UploadSignaturesResponse, error) {
	signer, err := s.signerKeys(ctx, signerUserID)
	if err != nil {
		return dto.UploadSignaturesResponse{}, err
	}

	failures := make(map[string]dto.Failure)
	var staged []domain.DeviceSignature

	for targetUserID, deviceMap := range req {
		for targetDeviceID, signedRaw := range deviceMap {
			entry := targetUserID + "/" + targetDeviceID
			keyID, verifyKey, reason := signer.forTarget(signerUserID, targetUserID)
			if reason == "" {
				reason, err = s.validateDeviceSignature(ctx, signerUserID, keyID, verifyKey, targetUserID, targetDeviceID, signedRaw)
				if err != nil {
					return dto.UploadSignaturesResponse{}, err
				}
			}
			if reason != "" {
				failures[entry] = dto.Failure{Status: 400, Message: reason}
				slog.Warn("rejected device signature",
					"signer", signerUserID, "target_user", targetUserID,
					"target_device", targetDeviceID, "reason", reason)
				continue
			}
			signature, _ := sigverify.SignatureValue(signedRaw, signerUserID, keyID)
			staged = append(staged, domain.DeviceSignature{
				SignerUserID:   signerUserID,
				SignerKeyID:    string(keyID),
				TargetUserID:   targetUserID,
				TargetDeviceID: targetDeviceID,
				Signature:      signature,
			})
		}
	}

	if err := s.store.DeviceSignatures().AddBatch(ctx, staged); err != nil {
		return dto.UploadSignaturesResponse{}, err
	}
	return dto.UploadSignaturesResponse{Failures: failures}, nil
}

// signerKeyMaterial carries the resolved signing keys of the uploader. Keys
// that are absent or malformed surface per entry, not as a call failure, so
// a user with only a self-signing key can still attest to their own devices.
type signerKeyMaterial struct {
	selfKeyID     gomatrixserverlib.KeyID
	selfVerifyKey ed25519.PublicKey
	selfErr       string
	userKeyID     gomatrixserverlib.KeyID
	userVerifyKey ed25519.PublicKey
	userErr       string
}

func (m signerKeyMaterial) forTarget(signerUserID, targetUserID string) (gomatrixserverlib.KeyID, ed25519.PublicKey, string) {
	if targetUserID == signerUserID {
		return m.selfKeyID, m.selfVerifyKey, m.selfErr
	}
	return m.userKeyID, m.userVerifyKey, m.userErr
}

func (s *Service) signerKeys(ctx context.Context, signerUserID string) (signerKeyMaterial, error) {
	material := signerKeyMaterial{}

	self, err := s.store.SigningKeys().Get(ctx, signerUserID, domain.UsageSelfSigning)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		material.selfErr = "no self-signing key"
	case err != nil:
		return material, err
	default:
		keyID, verifyKey, keyErr := sigverify.VerifyKeyFromKeyInfo([]byte(self.KeyJSON))
		if keyErr != nil {
			material.selfErr = "invalid self-signing key"
		} else {
			material.selfKeyID, material.selfVerifyKey = keyID, verifyKey
		}
	}

	user, err := s.store.SigningKeys().Get(ctx, signerUserID, domain.UsageUserSigning)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		material.userErr = "no user-signing key"
	case err != nil:
		return material, err
	default:
		keyID, verifyKey, keyErr := sigverify.VerifyKeyFromKeyInfo([]byte(user.KeyJSON))
		if keyErr != nil {
			material.userErr = "invalid user-signing key"
		} else {
			material.userKeyID, material.userVerifyKey = keyID, verifyKey
		}
	}

	return material, nil
}

// validateDeviceSignature returns a rejection reason, or "" when the entry
// is acceptable. The attested payload must match the device's currently
// stored key object exactly (signatures/unsigned excluded) before the
// signature itself is verified. A storage failure is fatal for the call,
// not a per-entry rejection.
func (s *Service) validateDeviceSignature(ctx context.Context, signerUserID string, keyID gomatrixserverlib.KeyID, verifyKey ed25519.PublicKey, targetUserID, targetDeviceID string, signedRaw json.RawMessage) (string, error) {
	stored, err := s.store.DeviceKeys().Get(ctx, targetUserID, targetDeviceID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return "unknown device", nil
	}
	if err != nil {
		return "", err
	}
	if _, ok := sigverify.SignatureValue(signedRaw, signerUserID, keyID); !ok {
		return "missing signature", nil
	}
	equal, err := sigverify.Equal(signedRaw, []byte(stored.KeyJSON))
	if err != nil {
		return "malformed signed payload", nil
	}
	if !equal {
		return "signed payload does not match stored device keys", nil
	}
	if err := sigverify.VerifySignedJSON(signedRaw, signerUserID, keyID, verifyKey); err != nil {
		return "invalid signature", nil
	}
	return "", nil
}
