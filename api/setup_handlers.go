package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/filedrop/internal/errs"
)

// SetupStatus reports whether the master key and WebAuthn configuration
// exist. It requires no authentication and never exposes the hash.
func (a *API) SetupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.master.Status(r.Context()))
}

// sessionAuthorizer returns the check applied once a master key exists.
func (a *API) sessionAuthorizer(r *http.Request) func() error {
	return func() error {
		_, err := a.authz.RequireSession(r)
		return err
	}
}

// SetupMaster sets the initial master key, or rotates it for an unlocked
// session that also supplies the current key.
func (a *API) SetupMaster(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SetupMasterRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	initial, err := a.master.Set(r.Context(), req.Master, req.Current, a.sessionAuthorizer(r))
	if err != nil {
		switch errs.KindOf(err) {
		case errs.Unauthenticated, errs.Unauthorized, errs.Forbidden:
			a.audit.logFailure(AuditMasterKeyRejected, r, errs.Message(err))
		}
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditMasterKeySet, r, slog.Bool("initial_setup", initial))
	writeJSON(w, http.StatusOK, SetupMasterResponse{OK: true, IsInitialSetup: initial})
}

// SetupWebAuthn stores an opaque WebAuthn configuration.
func (a *API) SetupWebAuthn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SetupWebAuthnRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if err := a.master.SaveWebAuthn(r.Context(), req.Credentials, a.sessionAuthorizer(r)); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditWebAuthnSaved, r)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
