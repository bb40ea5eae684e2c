package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/filedrop/keys"
)

// CreateKey issues a new upload API key.
func (a *API) CreateKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateKeyRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	k, err := a.keys.Create(r.Context(), req.Name, req.Expires)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditKeyCreated, r, slog.String("key_name", k.DisplayName()))
	writeJSON(w, http.StatusOK, k)
}

// ListKeys returns every key, including revoked and expired ones.
func (a *API) ListKeys(w http.ResponseWriter, r *http.Request) {
	list, err := a.keys.List(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if list == nil {
		list = []keys.APIKey{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RevokeKey marks a key revoked. ok is false when nothing changed.
func (a *API) RevokeKey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RevokeKeyRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	updated, err := a.keys.Revoke(r.Context(), req.Key)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if updated {
		a.audit.log(AuditKeyRevoked, r)
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: updated})
}
