package api

import (
	"net/http"
	"time"

	"github.com/jmcleod/filedrop/access"
	"github.com/jmcleod/filedrop/session"
)

// Unlock exchanges the master key for a 24h session cookie.
func (a *API) Unlock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UnlockRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if req.MasterKey == "" {
		writeError(w, http.StatusBadRequest, "master key required")
		return
	}

	clientIP := a.extractClientIP(r)

	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditUnlockRateLimited, r, "global rate limit")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.unlockLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditUnlockRateLimited, r, "ip rate limit")
		writeRateLimited(w, retryAfter)
		return
	}

	if !a.master.Verify(r.Context(), req.MasterKey) {
		a.unlockLimiter.recordFailure(clientIP)
		a.globalLimiter.recordFailure()
		a.audit.logFailure(AuditUnlockFailure, r, "invalid master key")
		writeError(w, http.StatusUnauthorized, "invalid master key")
		return
	}
	a.unlockLimiter.recordSuccess(clientIP)

	token, expiresAt, err := a.sessions.Create(session.Data{Unlocked: true, UnlockedAt: time.Now()})
	if err != nil {
		a.logger.ErrorContext(r.Context(), "failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeSessionCookie(w, r, token, expiresAt)
	writeCSRFCookie(w, r)
	a.audit.log(AuditUnlockSuccess, r)
	writeJSON(w, http.StatusOK, UnlockResponse{
		Success:   true,
		ExpiresAt: expiresAt.UnixMilli(),
	})
}

// Logout clears the session cookie. Tokens are stateless, so a token held
// outside the cookie jar stays valid until it expires.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	a.audit.log(AuditLogout, r)
	writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
}

// Check reports whether the request carries an unlocked session. It never
// fails.
func (a *API) Check(w http.ResponseWriter, r *http.Request) {
	token := access.SessionToken(r)
	writeJSON(w, http.StatusOK, CheckResponse{
		Authenticated: token != "" && a.sessions.IsUnlocked(token),
	})
}
