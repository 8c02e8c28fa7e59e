package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"keydirectory/internal/auth"
	"keydirectory/internal/dto"
	"keydirectory/internal/observability/metrics"
	"keydirectory/internal/observability/middleware"
	"keydirectory/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TokenVerifier resolves a bearer token to the acting user and device.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Claims, error)
}

func NewRouter(svc *service.Service, tokens TokenVerifier) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/keys/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		if _, ok := authenticate(w, r, tokens); !ok {
			metrics.DeviceKeyQueriesTotal.WithLabelValues("failure").Inc()
			return
		}
		var req dto.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.DeviceKeyQueriesTotal.WithLabelValues("failure").Inc()
			slog.Warn("key query decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.QueryDevices(r.Context(), req)
		if err != nil {
			writeError(w, err)
			metrics.DeviceKeyQueriesTotal.WithLabelValues("failure").Inc()
			slog.Warn("key query failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.DeviceKeyQueriesTotal.WithLabelValues("success").Inc()
		slog.Info("key query served", "users", len(req.DeviceKeys), "failures", len(res.Failures), "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/keys/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		claims, ok := authenticate(w, r, tokens)
		if !ok {
			metrics.KeyUploadsTotal.WithLabelValues("failure").Inc()
			return
		}
		var req dto.UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.KeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("key upload decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.UploadKeys(r.Context(), claims.UserID, claims.DeviceID, req)
		if err != nil {
			writeError(w, err)
			metrics.KeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("key upload failed", "error", err, "user_id", claims.UserID, "device_id", claims.DeviceID, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.KeyUploadsTotal.WithLabelValues("success").Inc()
		slog.Info("keys uploaded", "user_id", claims.UserID, "device_id", claims.DeviceID, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/keys/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		if _, ok := authenticate(w, r, tokens); !ok {
			metrics.OneTimeKeyClaimsTotal.WithLabelValues("failure").Inc()
			return
		}
		var req dto.ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.OneTimeKeyClaimsTotal.WithLabelValues("failure").Inc()
			slog.Warn("key claim decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.ClaimOneTimeKeys(r.Context(), req)
		if err != nil {
			writeError(w, err)
			metrics.OneTimeKeyClaimsTotal.WithLabelValues("failure").Inc()
			slog.Warn("key claim failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.OneTimeKeyClaimsTotal.WithLabelValues("success").Inc()
		slog.Info("one-time keys claimed", "users", len(req.OneTimeKeys), "failures", len(res.Failures), "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/keys/signing/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		claims, ok := authenticate(w, r, tokens)
		if !ok {
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			return
		}
		var req dto.UploadSigningKeysRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("signing key upload decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		if err := svc.UploadSigningKeys(r.Context(), claims.UserID, req); err != nil {
			writeError(w, err)
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("signing key upload failed", "error", err, "user_id", claims.UserID, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.SigningKeyUploadsTotal.WithLabelValues("success").Inc()
		slog.Info("signing keys uploaded", "user_id", claims.UserID, "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, struct{}{})
	})

	mux.HandleFunc("/keys/signatures/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		traceID := middleware.TraceIDFromContext(r.Context())
		claims, ok := authenticate(w, r, tokens)
		if !ok {
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			return
		}
		var req dto.UploadSignaturesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("signature upload decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
			return
		}
		res, err := svc.UploadDeviceSignatures(r.Context(), claims.UserID, req)
		if err != nil {
			writeError(w, err)
			metrics.SigningKeyUploadsTotal.WithLabelValues("failure").Inc()
			slog.Warn("signature upload failed", "error", err, "user_id", claims.UserID, "request_id", reqID, "trace_id", traceID)
			return
		}
		metrics.SigningKeyUploadsTotal.WithLabelValues("success").Inc()
		slog.Info("device signatures uploaded", "user_id", claims.UserID, "rejected", len(res.Failures), "request_id", reqID, "trace_id", traceID)
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/federation/keys/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		var req dto.QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			slog.Warn("federation key query decode failed", "error", err, "request_id", reqID)
			return
		}
		res, err := svc.OnFederationQueryClientKeys(r.Context(), req)
		if err != nil {
			writeError(w, err)
			slog.Warn("federation key query failed", "error", err, "request_id", reqID)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("/federation/keys/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reqID := middleware.RequestIDFromContext(r.Context())
		var req dto.ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			slog.Warn("federation key claim decode failed", "error", err, "request_id", reqID)
			return
		}
		res, err := svc.OnFederationClaimClientKeys(r.Context(), req)
		if err != nil {
			writeError(w, err)
			slog.Warn("federation key claim failed", "error", err, "request_id", reqID)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	return mux
}

// authenticate resolves the bearer token; on failure the response is already
// written and the handler must bail out.
func authenticate(w http.ResponseWriter, r *http.Request, tokens TokenVerifier) (auth.Claims, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return auth.Claims{}, false
	}
	claims, err := tokens.VerifyToken(r.Context(), token)
	if err != nil {
		http.Error(w, "token verification failed", http.StatusBadGateway)
		return auth.Claims{}, false
	}
	if !claims.Valid {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return auth.Claims{}, false
	}
	return claims, true
}

func writeError(w http.ResponseWriter, err error) {
	var ce *service.ClientError
	if errors.As(err, &ce) {
		http.Error(w, ce.Message, ce.Code)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
