package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RemoteDeviceCache holds previously-seen device lists of remote users, one
// redis hash per user (device id -> CachedDevice JSON). It is written by the
// device-list change subsystem; this service only reads and backfills it.
type RemoteDeviceCache struct {
	client *redis.Client
}

func NewRemoteDeviceCache(client *redis.Client) *RemoteDeviceCache {
	return &RemoteDeviceCache{client: client}
}

// CachedDevice is one remote device's cached key object plus the display
// name to merge under "unsigned" when serving it.
type CachedDevice struct {
	Keys        json.RawMessage `json:"keys"`
	DisplayName string          `json:"device_display_name,omitempty"`
}

func cacheKey(userID string) string {
	return fmt.Sprintf("devicelist:%s", userID)
}

// Lookup serves the given queries from cache. Users with no cached device
// list at all are returned in missing; a cached user with some requested
// devices absent is still a hit for the devices we have.
func (c *RemoteDeviceCache) Lookup(ctx context.Context, queries []DeviceKeyQuery) (map[string]map[string]CachedDevice, []string, error) {
	hits := make(map[string]map[string]CachedDevice)
	var missing []string

	for _, q := range queries {
		fields, err := c.client.HGetAll(ctx, cacheKey(q.UserID)).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("device cache lookup for %s: %w", q.UserID, err)
		}
		if len(fields) == 0 {
			missing = append(missing, q.UserID)
			continue
		}

		wanted := func(deviceID string) bool { return true }
		if len(q.DeviceIDs) > 0 {
			requested := make(map[string]struct{}, len(q.DeviceIDs))
			for _, id := range q.DeviceIDs {
				requested[id] = struct{}{}
			}
			wanted = func(deviceID string) bool {
				_, ok := requested[deviceID]
				return ok
			}
		}

		devices := make(map[string]CachedDevice)
		for deviceID, raw := range fields {
			if !wanted(deviceID) {
				continue
			}
			var device CachedDevice
			if err := json.Unmarshal([]byte(raw), &device); err != nil {
				return nil, nil, fmt.Errorf("device cache entry %s/%s: %w", q.UserID, deviceID, err)
			}
			devices[deviceID] = device
		}
		hits[q.UserID] = devices
	}
	return hits, missing, nil
}

// Store replaces the cached device list of one user.
func (c *RemoteDeviceCache) Store(ctx context.Context, userID string, devices map[string]CachedDevice) error {
	key := cacheKey(userID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(devices) > 0 {
		fields := make(map[string]interface{}, len(devices))
		for deviceID, device := range devices {
			encoded, err := json.Marshal(device)
			if err != nil {
				return fmt.Errorf("encode device cache entry %s/%s: %w", userID, deviceID, err)
			}
			fields[deviceID] = string(encoded)
		}
		pipe.HSet(ctx, key, fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}
