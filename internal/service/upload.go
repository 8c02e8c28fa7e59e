package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"keydirectory/internal/domain"
	"keydirectory/internal/dto"
	"keydirectory/internal/sigverify"
	"keydirectory/internal/store"

	"github.com/matrix-org/gomatrixserverlib"
)

// UploadKeys stores new device keys and/or one-time keys for one device and
// reports the per-algorithm one-time-key counts. Device-key replacement is a
// full overwrite; a device-list change is only announced when the stored
// object actually changed.
func (s *Service) UploadKeys(ctx context.Context, userID, deviceID string, req dto.UploadRequest) (dto.UploadResponse, error) {
	if len(req.DeviceKeys) > 0 {
		canonical, err := gomatrixserverlib.CanonicalJSON(req.DeviceKeys)
		if err != nil {
			return dto.UploadResponse{}, clientErrorf("invalid device_keys: %v", err)
		}
		slog.Info("updating device keys", "user_id", userID, "device_id", deviceID)
		changed, err := s.store.DeviceKeys().Set(ctx, userID, deviceID, string(canonical), nil)
		if err != nil {
			return dto.UploadResponse{}, err
		}
		if changed {
			if err := s.registry.NotifyDeviceUpdate(ctx, userID, []string{deviceID}); err != nil {
				return dto.UploadResponse{}, err
			}
		}
	}

	if len(req.OneTimeKeys) > 0 {
		if err := s.uploadOneTimeKeys(ctx, userID, deviceID, req.OneTimeKeys); err != nil {
			return dto.UploadResponse{}, err
		}
	}

	// The device should already be registered, but it may have raced with a
	// delete. Re-confirm so keys never exist without a device.
	info, err := s.registry.EnsureDeviceRegistered(ctx, userID, deviceID)
	if err != nil {
		return dto.UploadResponse{}, err
	}
	if !info.Registered {
		return dto.UploadResponse{}, clientErrorf("device %s is not registered", deviceID)
	}
	if info.DisplayName != nil {
		if err := s.store.DeviceKeys().SetDisplayName(ctx, userID, deviceID, info.DisplayName); err != nil {
			return dto.UploadResponse{}, err
		}
	}

	counts, err := s.store.OneTimeKeys().CountByAlgorithm(ctx, userID, deviceID)
	if err != nil {
		return dto.UploadResponse{}, err
	}
	return dto.UploadResponse{OneTimeKeyCounts: counts}, nil
}

// uploadOneTimeKeys stages only keys not yet persisted. A re-upload matching
// the stored value (signatures ignored) is a no-op so client retries are
// safe; a mismatch rejects the whole upload naming the offending key.
func (s *Service) uploadOneTimeKeys(ctx context.Context, userID, deviceID string, oneTimeKeys map[string]json.RawMessage) error {
	type parsedKey struct {
		id  store.AlgKeyID
		raw []byte
	}
	keyList := make([]parsedKey, 0, len(oneTimeKeys))
	ids := make([]store.AlgKeyID, 0, len(oneTimeKeys))
	for keyID, raw := range oneTimeKeys {
		sep := strings.Index(keyID, ":")
		if sep <= 0 || sep == len(keyID)-1 {
			return clientErrorf("invalid one-time key id %q", keyID)
		}
		id := store.AlgKeyID{Algorithm: keyID[:sep], KeyID: keyID[sep+1:]}
		keyList = append(keyList, parsedKey{id: id, raw: raw})
		ids = append(ids, id)
	}

	return s.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.OneTimeKeys().GetExisting(ctx, userID, deviceID, ids)
		if err != nil {
			return err
		}

		newKeys := make([]domain.OneTimeKey, 0, len(keyList))
		for _, key := range keyList {
			if stored, ok := existing[key.id]; ok {
				if !sigverify.OneTimeKeysMatch([]byte(stored), key.raw) {
					return clientErrorf("One time key %s:%s already exists. Old key: %s; new key: %s",
						key.id.Algorithm, key.id.KeyID, stored, key.raw)
				}
				continue
			}
			canonical, err := gomatrixserverlib.CanonicalJSON(key.raw)
			if err != nil {
				return clientErrorf("invalid one-time key %s:%s: %v", key.id.Algorithm, key.id.KeyID, err)
			}
			newKeys = append(newKeys, domain.OneTimeKey{
				UserID:    userID,
				DeviceID:  deviceID,
				Algorithm: key.id.Algorithm,
				KeyID:     key.id.KeyID,
				KeyJSON:   string(canonical),
			})
		}
		return tx.OneTimeKeys().AddBatch(ctx, newKeys)
	})
}
