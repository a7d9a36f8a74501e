package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
	"github.com/kiranshivaraju/anglestudio/internal/store"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every raw API key. The auth middleware looks keys up by
// their first eight characters.
const KeyPrefix = "as_"

// KeyStore manages API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type createKeyRequest struct {
	Name   string   `json:"name"   validate:"required,max=100"`
	Scopes []string `json:"scopes" validate:"required,min=1,unique,dive,oneof=read jobs admin"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// GenerateKey returns a new raw key and its bcrypt hash.
func GenerateKey() (raw, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys.
// The raw key is only ever returned here.
func NewCreateKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !decodeBody(w, r, &req) {
			return
		}

		raw, hash, err := GenerateKey()
		if err != nil {
			slog.Error("failed to generate api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: raw[:8],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			slog.Error("failed to store api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}

		slog.Info("api key created", "key_id", key.ID, "scopes", key.Scopes)
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.ListAPIKeys(r.Context())
		if err != nil {
			slog.Error("failed to list api keys", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", nil)
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}

		err = keys.RevokeAPIKey(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
		case err != nil:
			slog.Error("failed to revoke api key", "key_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key", nil)
		default:
			slog.Info("api key revoked", "key_id", id)
			response.NoContent(w)
		}
	}
}
