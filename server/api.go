package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dotside-studios/tagengine/buildinfo"
	"github.com/dotside-studios/tagengine/nfc"
)

const maxRequestBody = 64 << 10

// errorBody is the JSON body of requests rejected before reaching the engine.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// enableCORS adds the CORS headers and answers preflight requests.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession rejects tag requests without the API secret, and requests
// from anyone but the WebSocket client while it holds the session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.CheckSecret(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Unauthorized: invalid API secret")
			return
		}
		if s.sessions.Active() &&
			!s.sessions.Validate(r.Header.Get(HeaderSessionToken), r.Header.Get("Origin"), r.RemoteAddr) {
			writeError(w, http.StatusConflict, ErrCodeSessionClaimed, "Session already claimed by another client")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("secret")
}

// handleHealthCheck serves GET /api/v1/health.
func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       buildinfo.FullVersion(),
		"engineState":   s.config.Engine.State(),
		"sessionActive": s.sessions.Active(),
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}

// handleTagOperation serves POST /api/v1/tag/{op}. The body is the same
// object a WebSocket request carries as payload.
func (s *Server) handleTagOperation(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeParse, "Invalid request body")
		return
	}

	res, err := s.tags.Dispatch(r.Context(), op, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, resultStatus(res), res)
}

// resultStatus maps an operation result to an HTTP status.
func resultStatus(res nfc.OperationResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Code == nfc.CodeBusy:
		return http.StatusConflict
	case res.Category == nfc.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}
