package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"keydirectory/internal/auth"
	"keydirectory/internal/domain"
	"keydirectory/internal/dto"
	"keydirectory/internal/service"
	"keydirectory/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const localServer = "test.local"

type fakeFederation struct {
	mu      sync.Mutex
	queried []string
	queryFn func(destination string, req dto.QueryRequest) (dto.FederationQueryResponse, error)
	claimFn func(destination string, req dto.ClaimRequest) (dto.FederationClaimResponse, error)
}

func (f *fakeFederation) QueryClientKeys(ctx context.Context, destination string, req dto.QueryRequest) (dto.FederationQueryResponse, error) {
	f.mu.Lock()
	f.queried = append(f.queried, destination)
	f.mu.Unlock()
	if f.queryFn == nil {
		return dto.FederationQueryResponse{}, errors.New("unexpected federation query")
	}
	return f.queryFn(destination, req)
}

func (f *fakeFederation) ClaimClientKeys(ctx context.Context, destination string, req dto.ClaimRequest) (dto.FederationClaimResponse, error) {
	f.mu.Lock()
	f.queried = append(f.queried, destination)
	f.mu.Unlock()
	if f.claimFn == nil {
		return dto.FederationClaimResponse{}, errors.New("unexpected federation claim")
	}
	return f.claimFn(destination, req)
}

func (f *fakeFederation) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queried...)
}

type fakeRegistry struct {
	mu           sync.Mutex
	unregistered bool
	displayName  *string
	updates      []string
}

func (f *fakeRegistry) EnsureDeviceRegistered(ctx context.Context, userID, deviceID string) (auth.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return auth.DeviceInfo{Registered: !f.unregistered, DisplayName: f.displayName}, nil
}

func (f *fakeRegistry) NotifyDeviceUpdate(ctx context.Context, userID string, deviceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, deviceID := range deviceIDs {
		f.updates = append(f.updates, userID+"/"+deviceID)
	}
	return nil
}

func (f *fakeRegistry) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type testEnv struct {
	svc   *service.Service
	store *store.Store
	cache *store.RemoteDeviceCache
	fed   *fakeFederation
	reg   *fakeRegistry
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.DeviceKey{}, &domain.OneTimeKey{}, &domain.CrossSigningKey{}, &domain.DeviceSignature{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr := miniredis.RunT(t)
	cache := store.NewRemoteDeviceCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	st := store.New(db)
	fed := &fakeFederation{}
	reg := &fakeRegistry{}
	svc := service.New(st, cache, fed, reg, localServer, 2*time.Second)
	return &testEnv{svc: svc, store: st, cache: cache, fed: fed, reg: reg}
}

func assertClientError(t *testing.T, err error, substr string) {
	t.Helper()
	var ce *service.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("expected client error containing %q, got %v", substr, err)
	}
	if !strings.Contains(ce.Message, substr) {
		t.Fatalf("expected message containing %q, got %q", substr, ce.Message)
	}
}
