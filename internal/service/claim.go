package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"keydirectory/internal/domain"
	"keydirectory/internal/dto"
	"keydirectory/internal/federation"
	"keydirectory/internal/store"
)

// ClaimOneTimeKeys consumes one key per requested (user, device, algorithm).
// Local claims run as one atomic batch; remote claims fan out per owning
// domain, and a successful remote response is authoritative for its users.
func (s *Service) ClaimOneTimeKeys(ctx context.Context, req dto.ClaimRequest) (dto.ClaimResponse, error) {
	type localClaim struct {
		userID    string
		deviceID  string
		algorithm string
	}
	var localClaims []localClaim
	remoteQueries := make(map[string]map[string]map[string]string)

	for userID, deviceMap := range req.OneTimeKeys {
		parsed, err := domain.ParseUserID(userID)
		if err != nil {
			return dto.ClaimResponse{}, clientErrorf("%s", err.Error())
		}
		if s.isLocal(parsed) {
			for deviceID, algorithm := range deviceMap {
				localClaims = append(localClaims, localClaim{userID: userID, deviceID: deviceID, algorithm: algorithm})
			}
			continue
		}
		destQuery := remoteQueries[parsed.Domain]
		if destQuery == nil {
			destQuery = make(map[string]map[string]string)
			remoteQueries[parsed.Domain] = destQuery
		}
		destQuery[userID] = deviceMap
	}

	result := make(map[string]map[string]map[string]json.RawMessage)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, claim := range localClaims {
			if err := claimOneInto(ctx, tx, result, claim.userID, claim.deviceID, claim.algorithm); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dto.ClaimResponse{}, err
	}

	destinations := make([]string, 0, len(remoteQueries))
	for destination := range remoteQueries {
		destinations = append(destinations, destination)
	}
	fanResults := federation.FanOut(ctx, destinations, s.federationTimeout(req.TimeoutMS),
		func(ctx context.Context, destination string) (dto.FederationClaimResponse, error) {
			return s.federation.ClaimClientKeys(ctx, destination, dto.ClaimRequest{
				OneTimeKeys: remoteQueries[destination],
			})
		})
	failures := federation.Fold(fanResults, func(destination string, response dto.FederationClaimResponse) {
		destQuery := remoteQueries[destination]
		for userID, keys := range response.OneTimeKeys {
			if _, ok := destQuery[userID]; ok {
				result[userID] = keys
			}
		}
	})
	for destination, failure := range failures {
		slog.Warn("federation one-time key claim failed",
			"destination", destination, "status", failure.Status, "message", failure.Message)
	}

	slog.Info("claimed one-time keys", "keys", claimedSummary(result))

	return dto.ClaimResponse{OneTimeKeys: result, Failures: failures}, nil
}

// OnFederationClaimClientKeys handles a one-time key claim arriving from a
// remote server. It only ever touches keys of our own users.
func (s *Service) OnFederationClaimClientKeys(ctx context.Context, req dto.ClaimRequest) (dto.FederationClaimResponse, error) {
	result := make(map[string]map[string]map[string]json.RawMessage)
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		for userID, deviceMap := range req.OneTimeKeys {
			parsed, err := domain.ParseUserID(userID)
			if err != nil || !s.isLocal(parsed) {
				return clientErrorf("Not a user here")
			}
			for deviceID, algorithm := range deviceMap {
				if err := claimOneInto(ctx, tx, result, userID, deviceID, algorithm); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return dto.FederationClaimResponse{}, err
	}
	return dto.FederationClaimResponse{OneTimeKeys: result}, nil
}

// claimOneInto consumes one key and records it in the nested response shape.
// An empty pool leaves the result untouched.
func claimOneInto(ctx context.Context, tx *store.Store, result map[string]map[string]map[string]json.RawMessage, userID, deviceID, algorithm string) error {
	key, err := tx.OneTimeKeys().ClaimOne(ctx, userID, deviceID, algorithm)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}
	userResult := result[userID]
	if userResult == nil {
		userResult = make(map[string]map[string]json.RawMessage)
		result[userID] = userResult
	}
	userResult[deviceID] = map[string]json.RawMessage{
		key.Algorithm + ":" + key.KeyID: json.RawMessage(key.KeyJSON),
	}
	return nil
}

func claimedSummary(result map[string]map[string]map[string]json.RawMessage) string {
	var parts []string
	for userID, userKeys := range result {
		for deviceID, deviceKeys := range userKeys {
			for keyID := range deviceKeys {
				parts = append(parts, keyID+" for "+userID+":"+deviceID)
			}
		}
	}
	return strings.Join(parts, ",")
}
