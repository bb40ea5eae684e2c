package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/filedrop/access"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditUnlockSuccess     AuditEvent = "unlock_success"
	AuditUnlockFailure     AuditEvent = "unlock_failure"
	AuditUnlockRateLimited AuditEvent = "unlock_rate_limited"
	AuditLogout            AuditEvent = "logout"
	AuditFileUploaded      AuditEvent = "file_uploaded"
	AuditFileDeleted       AuditEvent = "file_deleted"
	AuditFilesNuked        AuditEvent = "files_nuked"
	AuditExpiryUpdated     AuditEvent = "expiry_updated"
	AuditDownloadDenied    AuditEvent = "download_denied"
	AuditKeyCreated        AuditEvent = "key_created"
	AuditKeyRevoked        AuditEvent = "key_revoked"
	AuditMasterKeySet      AuditEvent = "master_key_set"
	AuditMasterKeyRejected AuditEvent = "master_key_rejected"
	AuditWebAuthnSaved     AuditEvent = "webauthn_saved"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	counter *prometheus.CounterVec
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, counter *prometheus.CounterVec) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		counter: counter,
	}
}

// newAuditCounter registers the audit event counter with reg, reusing an
// identical collector that is already registered.
func newAuditCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filedrop",
		Name:      "audit_events_total",
		Help:      "Security-relevant events by type.",
	}, []string{"event"})
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)

	if al.counter != nil {
		al.counter.WithLabelValues(string(event)).Inc()
	}
	al.metrics.recordEvent(event)
}

// logPrincipal records an event together with how the caller authenticated.
// API key tokens are never logged; the display name identifies the key.
func (al *auditLogger) logPrincipal(event AuditEvent, r *http.Request, p access.Principal, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("principal", string(p.Type)),
		slog.String("principal_name", p.KeyName),
	}
	al.log(event, r, append(attrs, extra...)...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	al.log(event, r, append(attrs, extra...)...)
}
