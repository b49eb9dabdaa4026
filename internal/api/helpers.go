// Package api serves the cache over HTTP. Handlers only read the cache;
// every mutation goes through the action queue.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/logging"
)

// maxBodyBytes caps request bodies. Send actions carry a full raw message.
const maxBodyBytes = 32 << 20

// PaginationInfo describes one page of a list response.
type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

// accountIDFromRequest returns the account the request was scoped to by
// auth.RequireAccount, writing a 401 when it is missing.
func accountIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return accountID, true
}

// ParsePaginationParams parses page and limit from query parameters.
// Returns default values (page=1, limit=defaultLimit) if parameters are missing or invalid.
// Limits above maxLimit are clamped.
func ParsePaginationParams(r *http.Request, defaultLimit, maxLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	limit = min(limit, maxLimit)

	return page, limit
}

// writeJSON encodes v into a buffer first so an encoding failure never
// leaves a partial body behind.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("Failed to encode response", logging.Err(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warn("Failed to write response", logging.Err(err))
	}
}

// readJSON decodes a bounded request body into v, writing a 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeStorageError writes a 404 for the listed sentinels and a 500 for
// anything else.
func writeStorageError(w http.ResponseWriter, logger *slog.Logger, err error, msg string, notFound ...error) {
	for _, nf := range notFound {
		if errors.Is(err, nf) {
			http.Error(w, nf.Error(), http.StatusNotFound)
			return
		}
	}
	logger.Error(msg, logging.Err(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
