package api

import (
	"encoding/json"
	"time"

	"github.com/jmcleod/filedrop/files"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UnlockRequest is the body of POST /auth/unlock.
type UnlockRequest struct {
	MasterKey string `json:"masterKey"`
}

// UnlockResponse reports the session expiry in Unix milliseconds.
type UnlockResponse struct {
	Success   bool  `json:"success"`
	ExpiresAt int64 `json:"expiresAt"`
}

// LogoutResponse is the body of POST /auth/logout.
type LogoutResponse struct {
	Success bool `json:"success"`
}

// CheckResponse is the body of GET /auth/check.
type CheckResponse struct {
	Authenticated bool `json:"authenticated"`
}

type ListFilesResponse struct {
	Files []files.Summary `json:"files"`
	// Pagination is present only when limit or offset was requested.
	Pagination *PaginationMeta `json:"pagination,omitempty"`
}

// LocationRequest names a stored file.
type LocationRequest struct {
	Location string `json:"location"`
}

// UpdateExpiryRequest moves a file's decay to Decay days from now.
type UpdateExpiryRequest struct {
	Location string  `json:"location"`
	Decay    float64 `json:"decay"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type NukeResponse struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

// CreateKeyRequest is the body of POST /keys/create. Both fields are
// optional.
type CreateKeyRequest struct {
	Name    *string    `json:"name"`
	Expires *time.Time `json:"expires"`
}

type RevokeKeyRequest struct {
	Key string `json:"key"`
}

// SetupMasterRequest sets or rotates the master key. Current is required
// once a master key exists.
type SetupMasterRequest struct {
	Master  string `json:"master"`
	Current string `json:"current"`
}

type SetupMasterResponse struct {
	OK             bool `json:"ok"`
	IsInitialSetup bool `json:"isInitialSetup"`
}

// SetupWebAuthnRequest carries an opaque WebAuthn configuration document.
type SetupWebAuthnRequest struct {
	Credentials json.RawMessage `json:"credentials"`
}
