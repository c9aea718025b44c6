// Package logging — audit trail for security-relevant attestation server events.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSignup         AuditEventType = "signup"
	AuditEventLogin          AuditEventType = "login"
	AuditEventLogout         AuditEventType = "logout"
	AuditEventChallengeIssue AuditEventType = "challenge_issue"
	AuditEventVerify         AuditEventType = "verify"
	AuditEventEnrolled       AuditEventType = "enrolled"
	AuditEventMismatch       AuditEventType = "mismatch"
	AuditEventDeviceDeleted  AuditEventType = "device_deleted"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventAlertSent      AuditEventType = "alert_sent"
	AuditEventError          AuditEventType = "error"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	Component   string                 `json:"component"`
	UserID      int64                  `json:"user_id,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Action      string                 `json:"action"`
	Resource    string                 `json:"resource,omitempty"`
	Result      string                 `json:"result"` // "success", "failure", "denied"
	Details     map[string]interface{} `json:"details,omitempty"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	SourceFile  string                 `json:"source_file,omitempty"`
	SourceLine  int                    `json:"source_line,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join("/var/log/attestd", "audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "attestd",
	}
}

// AuditLogger handles security audit logging.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			defaultAuditLogger = &AuditLogger{config: DefaultAuditConfig(), logger: slog.Default()}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: LevelInfo})

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  slog.New(handler),
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(1); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	if a.rotator == nil {
		a.logger.Info("audit", slog.Any("event", event))
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogVerify logs the outcome of an attestation verification + pinning cycle.
func (a *AuditLogger) LogVerify(ctx context.Context, userID int64, fingerprint string, outcome string, strong bool) error {
	result := "success"
	if outcome != "enrolled" && outcome != "verified" {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventVerify,
		Action:      outcome,
		UserID:      userID,
		Fingerprint: fingerprint,
		Result:      result,
		Details:     map[string]interface{}{"strong": strong},
	})
}

// LogDeviceDeleted logs a device soft-deletion.
func (a *AuditLogger) LogDeviceDeleted(ctx context.Context, userID int64, fingerprint string) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventDeviceDeleted,
		Action:      "delete_device",
		UserID:      userID,
		Fingerprint: fingerprint,
		Result:      "success",
	})
}

// LogAlertSent logs an alert dispatcher email.
func (a *AuditLogger) LogAlertSent(ctx context.Context, userID int64, fingerprint, kind string) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventAlertSent,
		Action:      kind,
		UserID:      userID,
		Fingerprint: fingerprint,
		Result:      "success",
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs server startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "server_started",
		Result:    "success",
		Details:   map[string]interface{}{"version": version},
	})
}

// LogShutdown logs server shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "server_stopped",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
