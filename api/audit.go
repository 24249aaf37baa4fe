package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister          AuditEvent = "register"
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditLoginRateLimited  AuditEvent = "login_rate_limited"
	AuditLogout            AuditEvent = "logout"
	AuditSessionExpired    AuditEvent = "session_expired"
	AuditTOTPVerified      AuditEvent = "totp_verified"
	AuditTOTPFailure       AuditEvent = "totp_failure"
	AuditTOTPEnrolled      AuditEvent = "totp_enrolled"
	AuditTOTPEnabled       AuditEvent = "totp_enabled"
	AuditTOTPDisabled      AuditEvent = "totp_disabled"
	AuditSettingsUpdated   AuditEvent = "settings_updated"
	AuditWalletCreated     AuditEvent = "wallet_created"
	AuditSpendUnlocked     AuditEvent = "spend_unlocked"
	AuditSpendLocked       AuditEvent = "spend_locked"
	AuditSend              AuditEvent = "send"
	AuditDescriptorsExport AuditEvent = "descriptors_exported"
	AuditDescriptorsImport AuditEvent = "descriptors_imported"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newAuditRecord(event, r.RemoteAddr, ts, attrs))
	}
}

// logEvent records an action taken by a logged-in user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID int64, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.Int64("user_id", userID)}, extra...)
	al.log(event, r, attrs...)
}

// logFailure records a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, attrs...)
}
