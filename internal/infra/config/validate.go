package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateStorage(cfg, ve)
	validateSecurity(cfg, ve)
	validateCredentials(cfg, ve)
	validateTwoFactor(cfg, ve)
	validateAudit(cfg, ve)
	validateCompliance(cfg, ve)
	validateAccount(cfg, ve)
	validateNotify(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if cfg.Storage.Path == "" {
		ve.Add("storage.path is required")
	}
	if cfg.Storage.ReadPoolSize < 0 {
		ve.Add("storage.read_pool_size must be >= 0")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	key := strings.TrimSpace(cfg.Security.MasterKey)
	if key == "" {
		ve.Add("security.master_key is required (set %sSECURITY_MASTER_KEY)", EnvPrefix)
		return
	}
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != 32 {
		ve.Add("security.master_key must be 64 hex characters (32 bytes)")
	}
}

func validateCredentials(cfg *Config, ve *ValidationError) {
	c := cfg.Credentials
	if c.DefaultTTLDays <= 0 {
		ve.Add("credentials.default_ttl_days must be > 0")
	}
	if c.RotationInterval <= 0 {
		ve.Add("credentials.rotation_interval must be > 0")
	}
	if c.RotationLookahead <= 0 {
		ve.Add("credentials.rotation_lookahead must be > 0")
	}
	if c.RetryBackoff <= 0 {
		ve.Add("credentials.retry_backoff must be > 0")
	}
	if c.KeyPrefix == "" {
		ve.Add("credentials.key_prefix must not be empty")
	}
}

func validateTwoFactor(cfg *Config, ve *ValidationError) {
	tf := cfg.TwoFactor
	if tf.Issuer == "" {
		ve.Add("two_factor.issuer is required")
	}
	if tf.BackupCodeCount <= 0 {
		ve.Add("two_factor.backup_code_count must be > 0")
	}
	if tf.EmailCodeLength < 4 || tf.EmailCodeLength > 10 {
		ve.Add("two_factor.email_code_length must be between 4 and 10")
	}
	if tf.EmailCodeTTL <= 0 {
		ve.Add("two_factor.email_code_ttl must be > 0")
	}
	if tf.EmailMaxAttempts <= 0 {
		ve.Add("two_factor.email_max_attempts must be > 0")
	}
	if tf.SendTimeout <= 0 {
		ve.Add("two_factor.send_timeout must be > 0")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if a.StandardRetentionDays <= 0 {
		ve.Add("audit.standard_retention_days must be > 0")
	}
	if a.ExtendedRetentionDays < a.StandardRetentionDays {
		ve.Add("audit.extended_retention_days must be >= standard_retention_days")
	}
	if a.EmergencyPath == "" {
		ve.Add("audit.emergency_path is required")
	}
	validateSchedule("audit.sweep_schedule", a.SweepSchedule, ve)
	validateSchedule("audit.replay_schedule", a.ReplaySchedule, ve)
}

func validateCompliance(cfg *Config, ve *ValidationError) {
	c := cfg.Compliance
	if c.ErasureGrace <= 0 {
		ve.Add("compliance.erasure_grace must be > 0")
	}
	if c.ConsentRetentionDays <= 0 {
		ve.Add("compliance.consent_retention_days must be > 0")
	}
	validateSchedule("compliance.sweep_schedule", c.SweepSchedule, ve)
	if c.Controller.Name == "" {
		ve.Add("compliance.controller.name is required")
	}

	switch c.Export.Backend {
	case "file":
		if c.Export.Dir == "" {
			ve.Add("compliance.export.dir is required for the file backend")
		}
	case "s3":
		if c.Export.S3Bucket == "" {
			ve.Add("compliance.export.s3_bucket is required for the s3 backend")
		}
		if c.Export.S3Region == "" {
			ve.Add("compliance.export.s3_region is required for the s3 backend")
		}
		if (c.Export.S3KeyID == "") != (c.Export.S3Secret == "") {
			ve.Add("compliance.export.s3_key_id and s3_secret must be set together")
		}
	default:
		ve.Add("compliance.export.backend must be \"file\" or \"s3\", got %q", c.Export.Backend)
	}
}

func validateAccount(cfg *Config, ve *ValidationError) {
	if cfg.Account.LockoutThreshold <= 0 {
		ve.Add("account.lockout_threshold must be > 0")
	}
	if cfg.Account.LockoutDuration <= 0 {
		ve.Add("account.lockout_duration must be > 0")
	}
	if cfg.Account.MinPasswordLength <= 0 {
		ve.Add("account.min_password_length must be > 0")
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	if u := cfg.Notify.SlackWebhookURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
			ve.Add("notify.slack_webhook_url must be an https URL")
		}
	}
	if cfg.Mailer.PerRecipientEvery < 0 || cfg.Mailer.PerRecipientBurst < 0 {
		ve.Add("mailer rate settings must be >= 0")
	}
}

// validateSchedule accepts a cron expression, a descriptor or a positive duration.
func validateSchedule(field, schedule string, ve *ValidationError) {
	if schedule == "" {
		ve.Add("%s is required", field)
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err == nil {
		return
	}
	if d, err := time.ParseDuration(schedule); err != nil || d <= 0 {
		ve.Add("%s %q is not a valid cron expression or duration", field, schedule)
	}
}
