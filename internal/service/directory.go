package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"keydirectory/internal/domain"
	"keydirectory/internal/dto"
	"keydirectory/internal/federation"
	"keydirectory/internal/store"
)

// QueryDevices resolves a device-key query for a mix of local and remote
// users: local users from the store, remote users first from the device-list
// cache, the rest via one federation query per owning domain. Failures of
// one domain never abort the others; they land in the failures map.
func (s *Service) QueryDevices(ctx context.Context, req dto.QueryRequest) (dto.QueryResponse, error) {
	localQuery := make(map[string][]string)
	remoteQueries := make(map[string][]string)
	for userID, deviceIDs := range req.DeviceKeys {
		parsed, err := domain.ParseUserID(userID)
		if err != nil {
			return dto.QueryResponse{}, clientErrorf("%s", err.Error())
		}
		if s.isLocal(parsed) {
			localQuery[userID] = deviceIDs
		} else {
			remoteQueries[userID] = deviceIDs
		}
	}

	results := make(map[string]map[string]json.RawMessage)
	failures := make(map[string]dto.Failure)

	if len(localQuery) > 0 {
		localResult, err := s.QueryLocalDevices(ctx, localQuery)
		if err != nil {
			return dto.QueryResponse{}, err
		}
		for userID, keys := range localResult {
			results[userID] = keys
		}
	}

	// Serve remote users from the cache before going to the network.
	remoteNotInCache := make(map[string]map[string][]string)
	if len(remoteQueries) > 0 {
		cacheQueries := make([]store.DeviceKeyQuery, 0, len(remoteQueries))
		for userID, deviceIDs := range remoteQueries {
			cacheQueries = append(cacheQueries, store.DeviceKeyQuery{UserID: userID, DeviceIDs: deviceIDs})
		}
		hits, missing, err := s.cache.Lookup(ctx, cacheQueries)
		if err != nil {
			return dto.QueryResponse{}, err
		}
		for userID, devices := range hits {
			userDevices := results[userID]
			if userDevices == nil {
				userDevices = make(map[string]json.RawMessage)
				results[userID] = userDevices
			}
			for deviceID, device := range devices {
				if len(device.Keys) == 0 {
					continue
				}
				var displayName *string
				if device.DisplayName != "" {
					name := device.DisplayName
					displayName = &name
				}
				obj, err := deviceKeyObject(device.Keys, displayName, true)
				if err != nil {
					return dto.QueryResponse{}, err
				}
				userDevices[deviceID] = obj
			}
		}
		for _, userID := range missing {
			dom, err := domain.DomainFromID(userID)
			if err != nil {
				return dto.QueryResponse{}, clientErrorf("%s", err.Error())
			}
			destQuery := remoteNotInCache[dom]
			if destQuery == nil {
				destQuery = make(map[string][]string)
				remoteNotInCache[dom] = destQuery
			}
			destQuery[userID] = remoteQueries[userID]
		}
	}

	destinations := make([]string, 0, len(remoteNotInCache))
	for destination := range remoteNotInCache {
		destinations = append(destinations, destination)
	}
	fanResults := federation.FanOut(ctx, destinations, s.federationTimeout(req.TimeoutMS),
		func(ctx context.Context, destination string) (dto.FederationQueryResponse, error) {
			return s.federation.QueryClientKeys(ctx, destination, dto.QueryRequest{
				DeviceKeys: remoteNotInCache[destination],
			})
		})
	fanFailures := federation.Fold(fanResults, func(destination string, response dto.FederationQueryResponse) {
		destQuery := remoteNotInCache[destination]
		for userID, keys := range response.DeviceKeys {
			if _, ok := destQuery[userID]; ok {
				results[userID] = keys
			}
		}
	})
	for destination, failure := range fanFailures {
		failures[destination] = failure
		slog.Warn("federation device key query failed",
			"destination", destination, "status", failure.Status, "message", failure.Message)
	}

	// Best-effort self-signing key attachment for local users; absence or a
	// read failure never fails the query.
	selfSigningKeys := make(map[string]json.RawMessage)
	for userID := range localQuery {
		key, err := s.store.SigningKeys().Get(ctx, userID, domain.UsageSelfSigning)
		if err != nil {
			if !errors.Is(err, store.ErrRecordNotFound) {
				slog.Warn("self-signing key fetch failed", "user_id", userID, "error", err)
			}
			continue
		}
		selfSigningKeys[userID] = json.RawMessage(key.KeyJSON)
	}

	return dto.QueryResponse{
		DeviceKeys:      results,
		Failures:        failures,
		SelfSigningKeys: selfSigningKeys,
	}, nil
}

// QueryLocalDevices serves device keys for users this server owns. Every
// requested user appears in the result, with an empty mapping when they have
// no devices. The call never partially succeeds: one non-local or malformed
// id rejects the whole request.
func (s *Service) QueryLocalDevices(ctx context.Context, query map[string][]string) (map[string]map[string]json.RawMessage, error) {
	storeQueries := make([]store.DeviceKeyQuery, 0, len(query))
	result := make(map[string]map[string]json.RawMessage, len(query))
	for userID, deviceIDs := range query {
		parsed, err := domain.ParseUserID(userID)
		if err != nil || !s.isLocal(parsed) {
			slog.Warn("device key request for non-local user", "user_id", userID)
			return nil, clientErrorf("Not a user here")
		}
		storeQueries = append(storeQueries, store.DeviceKeyQuery{UserID: userID, DeviceIDs: deviceIDs})
		result[userID] = make(map[string]json.RawMessage)
	}

	stored, err := s.store.DeviceKeys().GetBatch(ctx, storeQueries)
	if err != nil {
		return nil, err
	}
	for userID, devices := range stored {
		for deviceID, row := range devices {
			obj, err := deviceKeyObject(json.RawMessage(row.KeyJSON), row.DisplayName, false)
			if err != nil {
				return nil, err
			}
			result[userID][deviceID] = obj
		}
	}
	return result, nil
}

// OnFederationQueryClientKeys handles a device-key query arriving from a
// remote server about our users. Wired into the transport's dispatch table
// by the composition root.
func (s *Service) OnFederationQueryClientKeys(ctx context.Context, req dto.QueryRequest) (dto.FederationQueryResponse, error) {
	res, err := s.QueryLocalDevices(ctx, req.DeviceKeys)
	if err != nil {
		return dto.FederationQueryResponse{}, err
	}
	return dto.FederationQueryResponse{DeviceKeys: res}, nil
}

// deviceKeyObject copies a stored key object and injects the display name
// under "unsigned". Local results get a fresh unsigned block; cached remote
// results keep whatever unsigned content they arrived with.
func deviceKeyObject(keys json.RawMessage, displayName *string, preserveUnsigned bool) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(keys, &obj); err != nil {
		return nil, err
	}
	unsigned := make(map[string]any)
	if preserveUnsigned {
		if existing, ok := obj["unsigned"]; ok {
			if err := json.Unmarshal(existing, &unsigned); err != nil {
				return nil, err
			}
		}
	}
	if displayName != nil && *displayName != "" {
		unsigned["device_display_name"] = *displayName
	}
	encoded, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	obj["unsigned"] = encoded
	return json.Marshal(obj)
}
