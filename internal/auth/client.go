// Package auth is the HTTP client for the device registry service, which
// owns device lifecycle, access tokens and device-list change fan-out.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Claims struct {
	Valid    bool
	UserID   string
	DeviceID string
}

type DeviceInfo struct {
	Registered  bool
	DisplayName *string
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8081"
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// VerifyToken resolves the acting user and device from a bearer token via
// the registry's verify endpoint.
func (c *Client) VerifyToken(ctx context.Context, token string) (Claims, error) {
	var body struct {
		Valid    bool   `json:"valid"`
		UserID   string `json:"userId"`
		DeviceID string `json:"deviceId"`
	}
	err := c.post(ctx, "/v1/auth/verify", map[string]string{"token": strings.TrimSpace(token)}, &body)
	if err != nil {
		return Claims{}, err
	}
	return Claims{Valid: body.Valid, UserID: body.UserID, DeviceID: body.DeviceID}, nil
}

// EnsureDeviceRegistered re-confirms the device exists in the registry. Key
// uploads call this defensively: the device may have raced with a delete,
// and keys must never outlive their device.
func (c *Client) EnsureDeviceRegistered(ctx context.Context, userID, deviceID string) (DeviceInfo, error) {
	var body struct {
		Registered  bool    `json:"registered"`
		DisplayName *string `json:"displayName"`
	}
	payload := map[string]string{"userId": userID, "deviceId": deviceID}
	if err := c.post(ctx, "/v1/devices/ensure", payload, &body); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{Registered: body.Registered, DisplayName: body.DisplayName}, nil
}

// NotifyDeviceUpdate tells the registry that a user's device keys changed so
// it can fan the change out to interested users and servers.
func (c *Client) NotifyDeviceUpdate(ctx context.Context, userID string, deviceIDs []string) error {
	payload := map[string]any{"userId": userID, "deviceIds": deviceIDs}
	return c.post(ctx, "/v1/devices/changed", payload, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry %s failed: %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
