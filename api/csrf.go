package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/filedrop/access"
)

// The unlock handler issues a readable token cookie next to the session
// cookie. Browser writes must copy it into the header; a foreign page can
// make the browser send the cookies but cannot read or set either value.
const (
	csrfCookieName = "filedrop_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware rejects state-changing requests that ride on the session
// cookie without echoing the token cookie in X-CSRF-Token. Uploads made with
// X-Upload-Key and scripts sending X-Session-Token carry no ambient
// credentials and pass straight through.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cookieAuthenticatedWrite(r) {
			next.ServeHTTP(w, r)
			return
		}
		issued, err := r.Cookie(csrfCookieName)
		if err != nil || issued.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		echoed := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(issued.Value), []byte(echoed)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func cookieAuthenticatedWrite(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	_, err := r.Cookie(access.SessionCookie)
	return err == nil
}

// writeCSRFCookie issues a fresh token for a newly unlocked session.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, csrfCookie(r, uuid.NewString()))
}

// clearCSRFCookie drops the token together with the session on logout.
func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	c := csrfCookie(r, "")
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// csrfCookie must stay readable by page scripts, so it is never HttpOnly.
func csrfCookie(r *http.Request, value string) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
	}
}
