package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keydirectory/internal/dto"
)

func TestHTTPClientQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/federation/keys/query" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req dto.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(dto.FederationQueryResponse{
			DeviceKeys: map[string]map[string]json.RawMessage{
				"@carol:remote.test": {"DEV": json.RawMessage(`{"keys":{}}`)},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(time.Second, WithScheme("http"))
	res, err := client.QueryClientKeys(context.Background(), server.Listener.Addr().String(), dto.QueryRequest{
		DeviceKeys: map[string][]string{"@carol:remote.test": nil},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, ok := res.DeviceKeys["@carol:remote.test"]["DEV"]; !ok {
		t.Fatalf("missing device in response: %+v", res)
	}
}

func TestHTTPClientCodedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(time.Second, WithScheme("http"))
	_, err := client.QueryClientKeys(context.Background(), server.Listener.Addr().String(), dto.QueryRequest{})
	var coded *CodeMessageError
	if !errors.As(err, &coded) {
		t.Fatalf("expected CodeMessageError, got %v", err)
	}
	if coded.Code != http.StatusBadGateway || coded.Message != "upstream exploded" {
		t.Fatalf("unexpected coded error: %+v", coded)
	}
}

func TestHTTPClientDeniedDestination(t *testing.T) {
	client := NewHTTPClient(time.Second, WithDeniedDestinations([]string{"Evil.Test"}))
	_, err := client.ClaimClientKeys(context.Background(), "evil.test", dto.ClaimRequest{})
	if !errors.Is(err, ErrFederationDenied) {
		t.Fatalf("expected ErrFederationDenied, got %v", err)
	}
}

func TestHTTPClientNotRetryingAfterFailure(t *testing.T) {
	// Nothing listens on this address; the first attempt fails at dial time
	// and opens the backoff window, the second fails fast.
	client := NewHTTPClient(100*time.Millisecond, WithScheme("http"), WithBackoffWindow(time.Hour))

	_, err := client.QueryClientKeys(context.Background(), "127.0.0.1:1", dto.QueryRequest{})
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if errors.Is(err, ErrNotRetrying) {
		t.Fatalf("first attempt must actually dial")
	}

	_, err = client.QueryClientKeys(context.Background(), "127.0.0.1:1", dto.QueryRequest{})
	if !errors.Is(err, ErrNotRetrying) {
		t.Fatalf("expected ErrNotRetrying inside backoff window, got %v", err)
	}
}
