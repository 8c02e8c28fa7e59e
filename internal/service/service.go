package service

import (
	"context"
	"time"

	"keydirectory/internal/auth"
	"keydirectory/internal/domain"
	"keydirectory/internal/federation"
	"keydirectory/internal/store"
)

// DeviceRegistry is the external device-lifecycle collaborator: it owns
// device registration and fans device-list changes out to other users.
type DeviceRegistry interface {
	EnsureDeviceRegistered(ctx context.Context, userID, deviceID string) (auth.DeviceInfo, error)
	NotifyDeviceUpdate(ctx context.Context, userID string, deviceIDs []string) error
}

type Service struct {
	store      *store.Store
	cache      *store.RemoteDeviceCache
	federation federation.Client
	registry   DeviceRegistry
	serverName string
	timeout    time.Duration
}

func New(st *store.Store, cache *store.RemoteDeviceCache, fed federation.Client, registry DeviceRegistry, serverName string, federationTimeout time.Duration) *Service {
	if federationTimeout <= 0 {
		federationTimeout = 10 * time.Second
	}
	return &Service{
		store:      st,
		cache:      cache,
		federation: fed,
		registry:   registry,
		serverName: serverName,
		timeout:    federationTimeout,
	}
}

func (s *Service) isLocal(id domain.UserID) bool {
	return id.Domain == s.serverName
}

// federationTimeout picks the per-destination deadline for one call: the
// client-requested timeout in milliseconds, bounded by the configured
// default.
func (s *Service) federationTimeout(requestedMS int64) time.Duration {
	if requestedMS <= 0 {
		return s.timeout
	}
	requested := time.Duration(requestedMS) * time.Millisecond
	if requested > s.timeout {
		return s.timeout
	}
	return requested
}
