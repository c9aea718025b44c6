// Package config handles configuration loading and validation for attestd.
package config

import (
	"fmt"
	"regexp"
	"time"

	"attestd/internal/logging"
)

// SMTPConfig holds the Alert Dispatcher's mail submission settings.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	UseTLS   bool   `toml:"use_tls"`
}

// LoggingConfig controls the structured logger and the audit trail.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Output     string `toml:"output"`
	FilePath   string `toml:"file_path"`
	AuditPath  string `toml:"audit_path"`
	MaxSize    int64  `toml:"max_size_mb"`
	MaxAge     int    `toml:"max_age_days"`
	MaxBackups int    `toml:"max_backups"`
}

// Config is the complete attestd server configuration, loaded from TOML
// and hot-reloadable for the fields that don't require a restart.
type Config struct {
	ListenAddr          string `toml:"listen_addr"`
	CanonicalOrigin     string `toml:"canonical_origin"`
	DatabasePath        string `toml:"database_path"`
	SamplesDatabasePath string `toml:"samples_database_path"`
	BackupDir           string `toml:"backup_dir"`

	WorkerPoolSize      int `toml:"worker_pool_size"`
	AcceptBacklog       int `toml:"accept_backlog"`
	DatabaseBusyTimeout int `toml:"database_busy_timeout_ms"`

	MinVerifyInterval     time.Duration `toml:"min_verify_interval"`
	MaxVerifyInterval     time.Duration `toml:"max_verify_interval"`
	DefaultVerifyInterval time.Duration `toml:"default_verify_interval"`

	MinAlertDelay     time.Duration `toml:"min_alert_delay"`
	MaxAlertDelay     time.Duration `toml:"max_alert_delay"`
	DefaultAlertDelay time.Duration `toml:"default_alert_delay"`

	ChallengeCapacity  int           `toml:"challenge_capacity"`
	ChallengeFreshness time.Duration `toml:"challenge_freshness"`

	MaxMessageSize int64 `toml:"max_message_size"`
	MaxSampleSize  int64 `toml:"max_sample_size"`

	SessionDuration      time.Duration `toml:"session_duration"`
	AlertInterval        time.Duration `toml:"alert_interval"`
	MaintenanceInterval  time.Duration `toml:"maintenance_interval"`
	AttestationRetention time.Duration `toml:"attestation_retention"`

	RoleEmailBlacklist []string `toml:"role_email_blacklist"`

	SMTP    SMTPConfig    `toml:"smtp"`
	Logging LoggingConfig `toml:"logging"`
}

var defaultRoleBlacklist = []string{
	`^admin`, `^root`, `^postmaster`, `^webmaster`, `^hostmaster`,
	`^abuse`, `^noreply`, `^no-reply`, `^security`,
}

// DefaultConfig returns the configuration used when no file is supplied
// and as the base that a loaded TOML file is merged onto.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:8443",
		CanonicalOrigin:     "https://localhost",
		DatabasePath:        "attestation.db",
		SamplesDatabasePath: "samples.db",
		BackupDir:           "backups",

		WorkerPoolSize:      128,
		AcceptBacklog:       256,
		DatabaseBusyTimeout: 10_000,

		MinVerifyInterval:     time.Hour,
		MaxVerifyInterval:     7 * 24 * time.Hour,
		DefaultVerifyInterval: 4 * time.Hour,

		MinAlertDelay:     32 * time.Hour,
		MaxAlertDelay:     14 * 24 * time.Hour,
		DefaultAlertDelay: 72 * time.Hour,

		ChallengeCapacity:  1_000_000,
		ChallengeFreshness: 60 * time.Second,

		MaxMessageSize: 16 * 1024,
		MaxSampleSize:  64 * 1024,

		SessionDuration:      48 * time.Hour,
		AlertInterval:        15 * time.Minute,
		MaintenanceInterval:  24 * time.Hour,
		AttestationRetention: 90 * 24 * time.Hour,

		RoleEmailBlacklist: append([]string(nil), defaultRoleBlacklist...),

		SMTP: SMTPConfig{
			Host: "localhost",
			Port: 25,
			From: "attestd@localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			AuditPath:  "/var/log/attestd/audit.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
		},
	}
}

// Validate checks internal consistency of the loaded configuration. It
// does not touch the filesystem or network.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.CanonicalOrigin == "" {
		return fmt.Errorf("canonical_origin must not be empty")
	}
	if c.DatabasePath == "" || c.SamplesDatabasePath == "" {
		return fmt.Errorf("database_path and samples_database_path must not be empty")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	if c.MinVerifyInterval <= 0 || c.MaxVerifyInterval <= c.MinVerifyInterval {
		return fmt.Errorf("min_verify_interval must be positive and less than max_verify_interval")
	}
	if c.DefaultVerifyInterval < c.MinVerifyInterval || c.DefaultVerifyInterval > c.MaxVerifyInterval {
		return fmt.Errorf("default_verify_interval must fall within [min_verify_interval, max_verify_interval]")
	}
	if c.MinAlertDelay <= 0 || c.MaxAlertDelay <= c.MinAlertDelay {
		return fmt.Errorf("min_alert_delay must be positive and less than max_alert_delay")
	}
	if c.DefaultAlertDelay < c.MinAlertDelay || c.DefaultAlertDelay > c.MaxAlertDelay {
		return fmt.Errorf("default_alert_delay must fall within [min_alert_delay, max_alert_delay]")
	}
	// An account's alert delay must always exceed its own verify
	// interval, so the floors must already respect that ordering.
	if c.MinAlertDelay <= c.MinVerifyInterval {
		return fmt.Errorf("min_alert_delay must exceed min_verify_interval")
	}
	if c.ChallengeCapacity <= 0 {
		return fmt.Errorf("challenge_capacity must be positive")
	}
	if c.ChallengeFreshness <= 0 {
		return fmt.Errorf("challenge_freshness must be positive")
	}
	if c.MaxMessageSize <= 0 || c.MaxSampleSize <= 0 {
		return fmt.Errorf("max_message_size and max_sample_size must be positive")
	}
	if c.SessionDuration <= 0 {
		return fmt.Errorf("session_duration must be positive")
	}
	for _, pattern := range c.RoleEmailBlacklist {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("role_email_blacklist pattern %q: %w", pattern, err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// CheckAccountPolicy reports whether a requested (verifyInterval,
// alertDelay) pair is acceptable under this configuration's bounds,
// including the cross-field rule that alertDelay must be strictly
// greater than verifyInterval (no further margin is required).
func (c *Config) CheckAccountPolicy(verifyInterval, alertDelay time.Duration) error {
	if verifyInterval < c.MinVerifyInterval || verifyInterval > c.MaxVerifyInterval {
		return fmt.Errorf("verify_interval %s outside allowed range [%s, %s]",
			verifyInterval, c.MinVerifyInterval, c.MaxVerifyInterval)
	}
	if alertDelay < c.MinAlertDelay || alertDelay > c.MaxAlertDelay {
		return fmt.Errorf("alert_delay %s outside allowed range [%s, %s]",
			alertDelay, c.MinAlertDelay, c.MaxAlertDelay)
	}
	if alertDelay <= verifyInterval {
		return fmt.Errorf("alert_delay %s must exceed verify_interval %s", alertDelay, verifyInterval)
	}
	return nil
}

// IsRoleEmail reports whether addr's local part matches one of the
// configured role-account patterns (admin@, postmaster@, ...), which
// signup rejects to avoid attestation accounts tied to shared mailboxes.
func (c *Config) IsRoleEmail(addr string) bool {
	local := addr
	for i, r := range addr {
		if r == '@' {
			local = addr[:i]
			break
		}
	}
	for _, pattern := range c.RoleEmailBlacklist {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(local) {
			return true
		}
	}
	return false
}
