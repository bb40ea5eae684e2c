package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/filedrop/access"
	"github.com/jmcleod/filedrop/files"
	"github.com/jmcleod/filedrop/keys"
	"github.com/jmcleod/filedrop/master"
	"github.com/jmcleod/filedrop/session"
)

// defaultMaxUploadBytes bounds multipart uploads when no limit is configured.
const defaultMaxUploadBytes = 512 << 20

// API holds the dependencies needed by the REST handlers.
type API struct {
	files    *files.Service
	keys     *keys.Registry
	master   *master.Manager
	sessions *session.Manager
	authz    *access.Authorizer

	logger        *slog.Logger
	audit         *auditLogger
	alertFn       AlertFunc
	registerer    prometheus.Registerer
	unlockLimiter *ipRateLimiter
	globalLimiter *globalRateLimiter

	trustedProxies []netip.Prefix
	maxUploadBytes int64
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithMaxUploadBytes caps the size of a multipart upload request.
func WithMaxUploadBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxUploadBytes = n
		}
	}
}

// WithAlertFunc installs a callback for anomaly alerts such as a spike in
// failed unlock attempts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithMetricsRegisterer registers the audit counters with reg. Without it the
// counters live in a private registry and are not exported.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registerer = reg
	}
}

// WithTrustedProxies configures the CIDR ranges whose forwarding headers are
// honored when determining the client IP for rate limiting. Bare addresses
// are treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(svc *files.Service, registry *keys.Registry, mgr *master.Manager, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		files:          svc,
		keys:           registry,
		master:         mgr,
		sessions:       sessions,
		unlockLimiter:  newIPRateLimiter(),
		globalLimiter:  newGlobalRateLimiter(),
		maxUploadBytes: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.registerer == nil {
		a.registerer = prometheus.NewRegistry()
	}
	a.authz = access.NewAuthorizer(sessions, registry, a.logger)
	a.audit = newAuditLogger(a.logger, newMetricsCollector(a.alertFn), newAuditCounter(a.registerer))
	return a
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted under /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.CSRFMiddleware)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Post("/auth/unlock", a.Unlock)
	r.Post("/auth/logout", a.Logout)
	r.Get("/auth/check", a.Check)

	r.Route("/files", func(r chi.Router) {
		r.With(a.RequireSessionOrKey).Post("/upload", a.UploadFile)
		r.With(a.RequireSession).Get("/list", a.ListFiles)
		r.With(a.RequireSession).Post("/delete", a.DeleteFile)
		r.With(a.RequireSession).Post("/nuke", a.NukeFiles)
		r.With(a.RequireSessionOrKey).Post("/update-expiry", a.UpdateExpiry)
		r.Get("/*", a.DownloadFile)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Use(a.RequireSession)
		r.Post("/create", a.CreateKey)
		r.Get("/list", a.ListKeys)
		r.Post("/revoke", a.RevokeKey)
	})

	r.Get("/setup/status", a.SetupStatus)
	r.Post("/setup/master", a.SetupMaster)
	r.Post("/setup/webauthn", a.SetupWebAuthn)

	return r
}

// RunMaintenance discards stale rate-limit state every interval until ctx is
// done.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.unlockLimiter.sweep()
		}
	}
}
