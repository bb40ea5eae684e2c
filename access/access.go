// Package access implements the two authorization policies of the service:
// session-only, and session-or-API-key. API keys are upload-scoped and never
// satisfy the session-only policy.
package access

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/keys"
	"github.com/jmcleod/filedrop/session"
)

const (
	// SessionCookie carries the session token for browsers.
	SessionCookie = "filedrop_session"
	// SessionHeader carries the session token for non-browser clients.
	SessionHeader = "X-Session-Token"
	// UploadKeyHeader carries an API key.
	UploadKeyHeader = "X-Upload-Key"
)

// PrincipalType tags how a request authenticated.
type PrincipalType string

const (
	PrincipalSession PrincipalType = "session"
	PrincipalAPIKey  PrincipalType = "api-key"
)

// WebInterface is the KeyName recorded for session-authenticated requests.
const WebInterface = "web-interface"

// Principal is the authorization context handed to operations.
type Principal struct {
	Type    PrincipalType
	KeyName string
	// KeyID is the API key token; empty for sessions.
	KeyID string
}

// SessionPrincipal is the principal of any unlocked session.
func SessionPrincipal() Principal {
	return Principal{Type: PrincipalSession, KeyName: WebInterface}
}

// Authorizer evaluates the access policies against an incoming request.
type Authorizer struct {
	sessions *session.Manager
	keys     *keys.Registry
	logger   *slog.Logger
}

func NewAuthorizer(sessions *session.Manager, registry *keys.Registry, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{sessions: sessions, keys: registry, logger: logger}
}

// SessionToken returns the session token from the cookie, falling back to
// the header.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(SessionHeader)
}

// RequireSession admits only requests carrying an unlocked session.
func (a *Authorizer) RequireSession(r *http.Request) (Principal, error) {
	token := SessionToken(r)
	if token == "" {
		return Principal{}, errs.New(errs.Unauthenticated, "no session")
	}
	if !a.sessions.IsUnlocked(token) {
		return Principal{}, errs.New(errs.Unauthorized, "session invalid or expired")
	}
	return SessionPrincipal(), nil
}

// RequireSessionOrKey tries the session first and then the upload key header.
func (a *Authorizer) RequireSessionOrKey(r *http.Request) (Principal, error) {
	if p, err := a.RequireSession(r); err == nil {
		return p, nil
	}
	if token := r.Header.Get(UploadKeyHeader); token != "" {
		if k, ok := a.keys.Lookup(r.Context(), token); ok {
			return Principal{Type: PrincipalAPIKey, KeyName: k.DisplayName(), KeyID: token}, nil
		}
		a.logger.Debug("upload key rejected", slog.String("remote_addr", r.RemoteAddr))
	}
	return Principal{}, errs.New(errs.Unauthenticated,
		"authentication required. provide a valid session or X-Upload-Key header")
}
