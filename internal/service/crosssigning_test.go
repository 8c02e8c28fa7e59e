package service_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"keydirectory/internal/dto"

	"github.com/matrix-org/gomatrixserverlib"
)

// newCrossSigningKey builds an unsigned signing-key object with a fresh
// ed25519 key pair under the id "ed25519:<label>".
func newCrossSigningKey(t *testing.T, userID, usage, label string) (json.RawMessage, ed25519.PrivateKey, gomatrixserverlib.KeyID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyID := gomatrixserverlib.KeyID("ed25519:" + label)
	raw, err := json.Marshal(map[string]any{
		"user_id": userID,
		"usage":   []string{usage},
		"keys": map[string]string{
			string(keyID): base64.RawStdEncoding.EncodeToString(pub),
		},
	})
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return raw, priv, keyID
}

func signWith(t *testing.T, signerUserID string, keyID gomatrixserverlib.KeyID, priv ed25519.PrivateKey, raw json.RawMessage) json.RawMessage {
	t.Helper()
	signed, err := gomatrixserverlib.SignJSON(signerUserID, keyID, priv, raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestFirstSelfSigningKeyAccepted(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs1:test.local"

	raw, _, _ := newCrossSigningKey(t, user, "self_signing", "cs1a")
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: raw}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	resp, err := env.svc.QueryDevices(ctx, dto.QueryRequest{
		DeviceKeys: map[string][]string{user: nil},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	got, ok := resp.SelfSigningKeys[user]
	if !ok {
		t.Fatalf("expected self-signing key in query response")
	}
	if string(got) != string(raw) {
		t.Fatalf("query must return the stored key verbatim: %s vs %s", got, raw)
	}
}

func TestFirstSelfSigningKeyRejectsStraySignatures(t *testing.T) {
	env := setup(t)
	user := "@cs2:test.local"

	raw, priv, keyID := newCrossSigningKey(t, user, "self_signing", "cs2a")
	signed := signWith(t, user, keyID, priv, raw)
	err := env.svc.UploadSigningKeys(context.Background(), user, dto.UploadSigningKeysRequest{SelfSigningKey: signed})
	assertClientError(t, err, "Invalid signature")
}

func TestSelfSigningKeyWrongUserRejected(t *testing.T) {
	env := setup(t)

	raw, _, _ := newCrossSigningKey(t, "@someoneelse:test.local", "self_signing", "cs3a")
	err := env.svc.UploadSigningKeys(context.Background(), "@cs3:test.local", dto.UploadSigningKeysRequest{SelfSigningKey: raw})
	assertClientError(t, err, "Invalid self-signing key")
}

func TestSelfSigningKeyReplacementChain(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs4:test.local"

	oldRaw, oldPriv, oldKeyID := newCrossSigningKey(t, user, "self_signing", "cs4old")
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: oldRaw}); err != nil {
		t.Fatalf("upload first key: %v", err)
	}

	// No replaces pointer at all.
	newRaw, _, _ := newCrossSigningKey(t, user, "self_signing", "cs4new")
	err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: newRaw})
	assertClientError(t, err, "already exists")

	withReplaces := func(raw json.RawMessage, replaces string) json.RawMessage {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		obj["replaces"] = replaces
		out, err := json.Marshal(obj)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return out
	}

	// Pointing at a key that is not the current one.
	err = env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{
		SelfSigningKey: withReplaces(newRaw, "wrongid"),
	})
	assertClientError(t, err, "Incorrect replaces property")

	// Correct pointer but no signature by the old key.
	err = env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{
		SelfSigningKey: withReplaces(newRaw, "cs4old"),
	})
	assertClientError(t, err, "Invalid signature on self-signing key")

	// Fully chained replacement.
	chained := signWith(t, user, oldKeyID, oldPriv, withReplaces(newRaw, "cs4old"))
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: chained}); err != nil {
		t.Fatalf("chained replacement: %v", err)
	}

	// The directory now serves the replacement.
	resp, err := env.svc.QueryDevices(ctx, dto.QueryRequest{DeviceKeys: map[string][]string{user: nil}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var stored struct {
		Keys map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(resp.SelfSigningKeys[user], &stored); err != nil {
		t.Fatalf("decode stored key: %v", err)
	}
	if _, ok := stored.Keys["ed25519:cs4new"]; !ok {
		t.Fatalf("expected replacement key to be served, got %v", stored.Keys)
	}
}

func TestUserSigningKeyValidation(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs5:test.local"

	userRaw, _, _ := newCrossSigningKey(t, user, "user_signing", "cs5u")
	err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{UserSigningKey: userRaw})
	assertClientError(t, err, "No self-signing key exists")

	selfRaw, selfPriv, selfKeyID := newCrossSigningKey(t, user, "self_signing", "cs5s")
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: selfRaw}); err != nil {
		t.Fatalf("upload self-signing key: %v", err)
	}

	err = env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{UserSigningKey: userRaw})
	assertClientError(t, err, "Invalid signature on user-signing key")

	signed := signWith(t, user, selfKeyID, selfPriv, userRaw)
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{UserSigningKey: signed}); err != nil {
		t.Fatalf("upload signed user-signing key: %v", err)
	}
}

func TestUserSigningKeyVerifiedAgainstNewSelf(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs6:test.local"

	selfRaw, selfPriv, selfKeyID := newCrossSigningKey(t, user, "self_signing", "cs6s")
	userRaw, _, _ := newCrossSigningKey(t, user, "user_signing", "cs6u")

	// Both keys in one upload: the user-signing key must verify against the
	// self-signing key submitted alongside it.
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{
		SelfSigningKey: selfRaw,
		UserSigningKey: signWith(t, user, selfKeyID, selfPriv, userRaw),
	}); err != nil {
		t.Fatalf("combined upload: %v", err)
	}
}

func TestUploadDeviceSignatures(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs7:test.local"

	deviceKeys := json.RawMessage(`{"user_id":"@cs7:test.local","device_id":"DEV1","keys":{"ed25519:DEV1":"abc"}}`)
	if _, err := env.svc.UploadKeys(ctx, user, "DEV1", dto.UploadRequest{DeviceKeys: deviceKeys}); err != nil {
		t.Fatalf("upload device keys: %v", err)
	}
	selfRaw, selfPriv, selfKeyID := newCrossSigningKey(t, user, "self_signing", "cs7s")
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: selfRaw}); err != nil {
		t.Fatalf("upload self-signing key: %v", err)
	}

	valid := signWith(t, user, selfKeyID, selfPriv, deviceKeys)
	stale := signWith(t, user, selfKeyID, selfPriv,
		json.RawMessage(`{"user_id":"@cs7:test.local","device_id":"DEV1","keys":{"ed25519:DEV1":"OUTDATED"}}`))

	resp, err := env.svc.UploadDeviceSignatures(ctx, user, dto.UploadSignaturesRequest{
		user: {
			"DEV1":   valid,
			"NODEV":  signWith(t, user, selfKeyID, selfPriv, json.RawMessage(`{"device_id":"NODEV"}`)),
			"UNSIGN": deviceKeys,
		},
	})
	if err != nil {
		t.Fatalf("upload signatures: %v", err)
	}
	if _, failed := resp.Failures[user+"/DEV1"]; failed {
		t.Fatalf("valid signature rejected: %+v", resp.Failures)
	}
	if failure := resp.Failures[user+"/NODEV"]; failure.Status != 400 {
		t.Fatalf("expected 400 for unknown device, got %+v", failure)
	}
	if failure := resp.Failures[user+"/UNSIGN"]; failure.Status != 400 {
		t.Fatalf("expected 400 for unsigned entry, got %+v", failure)
	}

	rows, err := env.store.DeviceSignatures().GetForTarget(ctx, user, "DEV1")
	if err != nil {
		t.Fatalf("load signatures: %v", err)
	}
	if len(rows) != 1 || rows[0].SignerKeyID != string(selfKeyID) {
		t.Fatalf("expected one persisted attestation by %s, got %+v", selfKeyID, rows)
	}

	// A payload that no longer matches the stored keys is rejected per entry.
	resp, err = env.svc.UploadDeviceSignatures(ctx, user, dto.UploadSignaturesRequest{
		user: {"DEV1": stale},
	})
	if err != nil {
		t.Fatalf("upload stale signature: %v", err)
	}
	if failure, failed := resp.Failures[user+"/DEV1"]; !failed || failure.Status != 400 {
		t.Fatalf("expected stale payload rejection, got %+v", resp.Failures)
	}
}

func TestUploadDeviceSignaturesRejectsForgedSignature(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs9:test.local"

	deviceKeys := json.RawMessage(`{"user_id":"@cs9:test.local","device_id":"DEV1","keys":{"ed25519:DEV1":"abc"}}`)
	if _, err := env.svc.UploadKeys(ctx, user, "DEV1", dto.UploadRequest{DeviceKeys: deviceKeys}); err != nil {
		t.Fatalf("upload device keys: %v", err)
	}
	selfRaw, _, selfKeyID := newCrossSigningKey(t, user, "self_signing", "cs9s")
	if err := env.svc.UploadSigningKeys(ctx, user, dto.UploadSigningKeysRequest{SelfSigningKey: selfRaw}); err != nil {
		t.Fatalf("upload self-signing key: %v", err)
	}

	// Signature under the right key id but produced by a different key.
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := signWith(t, user, selfKeyID, wrongPriv, deviceKeys)

	resp, err := env.svc.UploadDeviceSignatures(ctx, user, dto.UploadSignaturesRequest{
		user: {"DEV1": forged},
	})
	if err != nil {
		t.Fatalf("upload signatures: %v", err)
	}
	failure, failed := resp.Failures[user+"/DEV1"]
	if !failed || failure.Message != "invalid signature" {
		t.Fatalf("expected invalid-signature rejection, got %+v", resp.Failures)
	}
	rows, err := env.store.DeviceSignatures().GetForTarget(ctx, user, "DEV1")
	if err != nil {
		t.Fatalf("load signatures: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("forged attestation must not persist, got %+v", rows)
	}
}

func TestUploadDeviceSignaturesWithoutSigningKey(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	user := "@cs8:test.local"

	deviceKeys := json.RawMessage(`{"user_id":"@cs8:test.local","device_id":"DEV1"}`)
	if _, err := env.svc.UploadKeys(ctx, user, "DEV1", dto.UploadRequest{DeviceKeys: deviceKeys}); err != nil {
		t.Fatalf("upload device keys: %v", err)
	}

	resp, err := env.svc.UploadDeviceSignatures(ctx, user, dto.UploadSignaturesRequest{
		user: {"DEV1": deviceKeys},
	})
	if err != nil {
		t.Fatalf("upload signatures: %v", err)
	}
	failure, failed := resp.Failures[user+"/DEV1"]
	if !failed || failure.Message != "no self-signing key" {
		t.Fatalf("expected per-entry no-key failure, got %+v", resp.Failures)
	}
}
