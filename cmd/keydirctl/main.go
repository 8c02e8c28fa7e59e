package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"keydirectory/internal/dto"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "upload":
		err = runUpload(args)
	case "query":
		err = runQuery(args)
	case "claim":
		err = runClaim(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  upload     Upload generated device and one-time keys")
	fmt.Fprintln(os.Stderr, "  query      Query device keys for one or more users")
	fmt.Fprintln(os.Stderr, "  claim      Claim a one-time key from a device")
	os.Exit(2)
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYDIRCTL_BASE_URL", "http://localhost:8083"), "key directory base URL")
	token := fs.String("token", getenv("KEYDIRCTL_TOKEN", ""), "bearer token of the acting device")
	userID := fs.String("user", "", "user id to embed in the device_keys object")
	deviceID := fs.String("device", "", "device id to embed in the device_keys object")
	algorithm := fs.String("algorithm", "signed_curve25519", "one-time key algorithm")
	count := fs.Int("count", 5, "number of one-time keys to generate")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *deviceID == "" {
		return fmt.Errorf("user and device are required")
	}
	if *count < 0 {
		return fmt.Errorf("count must be non-negative")
	}

	identity, err := randomKey(32)
	if err != nil {
		return err
	}
	deviceKeys, err := json.Marshal(map[string]any{
		"user_id":    *userID,
		"device_id":  *deviceID,
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"curve25519:" + *deviceID: identity,
		},
	})
	if err != nil {
		return err
	}

	oneTimeKeys := make(map[string]json.RawMessage, *count)
	for i := 0; i < *count; i++ {
		key, kerr := randomKey(32)
		if kerr != nil {
			return kerr
		}
		encoded, kerr := json.Marshal(key)
		if kerr != nil {
			return kerr
		}
		oneTimeKeys[*algorithm+":"+uuid.NewString()] = encoded
	}

	req := dto.UploadRequest{DeviceKeys: deviceKeys, OneTimeKeys: oneTimeKeys}
	var resp dto.UploadResponse
	if err := postJSON(*baseURL, "/keys/upload", *token, req, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYDIRCTL_BASE_URL", "http://localhost:8083"), "key directory base URL")
	token := fs.String("token", getenv("KEYDIRCTL_TOKEN", ""), "bearer token of the acting device")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one user id is required")
	}

	req := dto.QueryRequest{DeviceKeys: make(map[string][]string, fs.NArg())}
	for _, userID := range fs.Args() {
		req.DeviceKeys[userID] = nil
	}

	var resp dto.QueryResponse
	if err := postJSON(*baseURL, "/keys/query", *token, req, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func runClaim(args []string) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	baseURL := fs.String("base-url", getenv("KEYDIRCTL_BASE_URL", "http://localhost:8083"), "key directory base URL")
	token := fs.String("token", getenv("KEYDIRCTL_TOKEN", ""), "bearer token of the acting device")
	userID := fs.String("user", "", "user id to claim from")
	deviceID := fs.String("device", "", "device id to claim from")
	algorithm := fs.String("algorithm", "signed_curve25519", "one-time key algorithm")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *deviceID == "" {
		return fmt.Errorf("user and device are required")
	}

	req := dto.ClaimRequest{
		OneTimeKeys: map[string]map[string]string{
			*userID: {*deviceID: *algorithm},
		},
	}
	var resp dto.ClaimResponse
	if err := postJSON(*baseURL, "/keys/claim", *token, req, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func postJSON(baseURL, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("%s request failed: %s", path, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func randomKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
