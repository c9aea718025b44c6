// Package config handles configuration loading and validation for attestd.
package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a single configuration field failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every failure found by ValidateConfig, rather
// than stopping at the first one.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive, multi-error validation of a
// loaded configuration, in addition to the fast internal-consistency
// check in Config.Validate. Intended for use at startup and by admin
// tooling that wants to report every problem in one pass instead of
// failing on the first.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateNetwork(c)...)
	errs = append(errs, validateStorage(c)...)
	errs = append(errs, validatePolicy(c)...)
	errs = append(errs, validateSMTP(&c.SMTP)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateNetwork(c *Config) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, ValidationError{"listen_addr", fmt.Sprintf("not a host:port pair: %v", err)})
	}

	u, err := url.Parse(c.CanonicalOrigin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{"canonical_origin", "must be an absolute URL with scheme and host"})
	}
	if u != nil && u.Scheme != "https" && u.Scheme != "http" {
		errs = append(errs, ValidationError{"canonical_origin", "scheme must be http or https"})
	}

	if c.WorkerPoolSize <= 0 {
		errs = append(errs, ValidationError{"worker_pool_size", "must be positive"})
	}
	if c.AcceptBacklog <= 0 {
		errs = append(errs, ValidationError{"accept_backlog", "must be positive"})
	}

	return errs
}

func validateStorage(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.DatabasePath == "" {
		errs = append(errs, ValidationError{"database_path", "must not be empty"})
	}
	if c.SamplesDatabasePath == "" {
		errs = append(errs, ValidationError{"samples_database_path", "must not be empty"})
	}
	if c.DatabasePath != "" && c.DatabasePath == c.SamplesDatabasePath {
		errs = append(errs, ValidationError{"samples_database_path", "must differ from database_path"})
	}
	if c.DatabaseBusyTimeout <= 0 {
		errs = append(errs, ValidationError{"database_busy_timeout_ms", "must be positive"})
	}
	if c.BackupDir == "" {
		errs = append(errs, ValidationError{"backup_dir", "must not be empty"})
	}
	if c.AttestationRetention <= 0 {
		errs = append(errs, ValidationError{"attestation_retention", "must be positive"})
	}
	if c.MaintenanceInterval <= 0 {
		errs = append(errs, ValidationError{"maintenance_interval", "must be positive"})
	}

	return errs
}

func validatePolicy(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.MinVerifyInterval <= 0 {
		errs = append(errs, ValidationError{"min_verify_interval", "must be positive"})
	}
	if c.MaxVerifyInterval <= c.MinVerifyInterval {
		errs = append(errs, ValidationError{"max_verify_interval", "must exceed min_verify_interval"})
	}
	if c.DefaultVerifyInterval < c.MinVerifyInterval || c.DefaultVerifyInterval > c.MaxVerifyInterval {
		errs = append(errs, ValidationError{"default_verify_interval", "must fall within the configured range"})
	}

	if c.MinAlertDelay <= 0 {
		errs = append(errs, ValidationError{"min_alert_delay", "must be positive"})
	}
	if c.MaxAlertDelay <= c.MinAlertDelay {
		errs = append(errs, ValidationError{"max_alert_delay", "must exceed min_alert_delay"})
	}
	if c.DefaultAlertDelay < c.MinAlertDelay || c.DefaultAlertDelay > c.MaxAlertDelay {
		errs = append(errs, ValidationError{"default_alert_delay", "must fall within the configured range"})
	}
	if c.MinAlertDelay <= c.MinVerifyInterval {
		errs = append(errs, ValidationError{"min_alert_delay", "must exceed min_verify_interval"})
	}

	if c.ChallengeCapacity <= 0 {
		errs = append(errs, ValidationError{"challenge_capacity", "must be positive"})
	}
	if c.ChallengeFreshness <= 0 {
		errs = append(errs, ValidationError{"challenge_freshness", "must be positive"})
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, ValidationError{"max_message_size", "must be positive"})
	}
	if c.MaxSampleSize <= 0 {
		errs = append(errs, ValidationError{"max_sample_size", "must be positive"})
	}
	if c.SessionDuration <= 0 {
		errs = append(errs, ValidationError{"session_duration", "must be positive"})
	}

	for _, pattern := range c.RoleEmailBlacklist {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{"role_email_blacklist", fmt.Sprintf("invalid pattern %q: %v", pattern, err)})
		}
	}

	return errs
}

func validateSMTP(s *SMTPConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Host == "" {
		errs = append(errs, ValidationError{"smtp.host", "must not be empty"})
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, ValidationError{"smtp.port", "must be a valid TCP port"})
	}
	if s.From == "" {
		errs = append(errs, ValidationError{"smtp.from", "must not be empty"})
	} else if !strings.Contains(s.From, "@") {
		errs = append(errs, ValidationError{"smtp.from", "must be an email address"})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", l.Level)})
	}

	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", l.Format)})
	}

	switch strings.ToLower(l.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{"logging.output", fmt.Sprintf("unknown output %q", l.Output)})
	}

	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{"logging.file_path", "required when output includes file"})
	}
	if l.MaxSize <= 0 {
		errs = append(errs, ValidationError{"logging.max_size_mb", "must be positive"})
	}

	return errs
}
