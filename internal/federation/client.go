package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"keydirectory/internal/dto"
)

// Client performs authenticated key RPCs against a named remote domain.
// Retry and backoff policy belongs here, not in the callers: one call is one
// attempt, and a destination inside its backoff window fails fast with
// ErrNotRetrying.
type Client interface {
	QueryClientKeys(ctx context.Context, destination string, req dto.QueryRequest) (dto.FederationQueryResponse, error)
	ClaimClientKeys(ctx context.Context, destination string, req dto.ClaimRequest) (dto.FederationClaimResponse, error)
}

// HTTPClient is the federation transport over HTTPS.
type HTTPClient struct {
	scheme  string
	http    *http.Client
	denied  map[string]struct{}
	backoff time.Duration

	mu         sync.Mutex
	retryAfter map[string]time.Time
}

type HTTPClientOption func(*HTTPClient)

// WithScheme overrides the URL scheme, for plain-HTTP test servers.
func WithScheme(scheme string) HTTPClientOption {
	return func(c *HTTPClient) { c.scheme = scheme }
}

// WithDeniedDestinations installs a federation denylist; calls to a listed
// destination fail with ErrFederationDenied without dialing.
func WithDeniedDestinations(destinations []string) HTTPClientOption {
	return func(c *HTTPClient) {
		for _, destination := range destinations {
			c.denied[strings.ToLower(destination)] = struct{}{}
		}
	}
}

// WithBackoffWindow sets how long a destination is left alone after a
// transport failure.
func WithBackoffWindow(window time.Duration) HTTPClientOption {
	return func(c *HTTPClient) { c.backoff = window }
}

func NewHTTPClient(timeout time.Duration, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		scheme: "https",
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		denied:     make(map[string]struct{}),
		backoff:    time.Minute,
		retryAfter: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) QueryClientKeys(ctx context.Context, destination string, req dto.QueryRequest) (dto.FederationQueryResponse, error) {
	var res dto.FederationQueryResponse
	err := c.post(ctx, destination, "/federation/keys/query", req, &res)
	return res, err
}

func (c *HTTPClient) ClaimClientKeys(ctx context.Context, destination string, req dto.ClaimRequest) (dto.FederationClaimResponse, error) {
	var res dto.FederationClaimResponse
	err := c.post(ctx, destination, "/federation/keys/claim", req, &res)
	return res, err
}

func (c *HTTPClient) post(ctx context.Context, destination, path string, body, out any) error {
	if _, ok := c.denied[strings.ToLower(destination)]; ok {
		return fmt.Errorf("%s: %w", destination, ErrFederationDenied)
	}
	if !c.readyForRetry(destination) {
		return fmt.Errorf("%s: %w", destination, ErrNotRetrying)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scheme+"://"+destination+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.markFailed(destination)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(readBodyPrefix(resp.Body))
		if message == "" {
			message = resp.Status
		}
		return &CodeMessageError{Code: resp.StatusCode, Message: message}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) readyForRetry(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.retryAfter[destination]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(c.retryAfter, destination)
		return true
	}
	return false
}

func (c *HTTPClient) markFailed(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryAfter[destination] = time.Now().Add(c.backoff)
}

func readBodyPrefix(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, 2048))
	return string(buf)
}
