package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TRUSTCORE_"

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger" envPrefix:"LOGGER_"`
	Tracer      TracerConfig      `yaml:"tracer" envPrefix:"TRACER_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Security    SecurityConfig    `yaml:"security" envPrefix:"SECURITY_"`
	Credentials CredentialsConfig `yaml:"credentials" envPrefix:"CREDENTIALS_"`
	TwoFactor   TwoFactorConfig   `yaml:"two_factor" envPrefix:"TWO_FACTOR_"`
	Audit       AuditConfig       `yaml:"audit" envPrefix:"AUDIT_"`
	Compliance  ComplianceConfig  `yaml:"compliance" envPrefix:"COMPLIANCE_"`
	Account     AccountConfig     `yaml:"account" envPrefix:"ACCOUNT_"`
	Mailer      MailerConfig      `yaml:"mailer" envPrefix:"MAILER_"`
	Notify      NotifyConfig      `yaml:"notify" envPrefix:"NOTIFY_"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Exporter string `yaml:"exporter" env:"EXPORTER"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path         string `yaml:"path" env:"PATH"`
	ReadPoolSize int    `yaml:"read_pool_size" env:"READ_POOL_SIZE"`
}

// SecurityConfig holds key material. The master key is normally supplied
// through TRUSTCORE_SECURITY_MASTER_KEY rather than the YAML file.
type SecurityConfig struct {
	MasterKey string `yaml:"master_key" env:"MASTER_KEY"`
}

// CredentialsConfig controls API key issuance and rotation.
type CredentialsConfig struct {
	KeyPrefix         string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	DefaultTTLDays    int           `yaml:"default_ttl_days" env:"DEFAULT_TTL_DAYS"`
	DefaultRateLimit  int           `yaml:"default_rate_limit" env:"DEFAULT_RATE_LIMIT"`
	RotationEnabled   bool          `yaml:"rotation_enabled" env:"ROTATION_ENABLED"`
	RotationInterval  time.Duration `yaml:"rotation_interval" env:"ROTATION_INTERVAL"`
	RotationLookahead time.Duration `yaml:"rotation_lookahead" env:"ROTATION_LOOKAHEAD"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	NotifyOwners      bool          `yaml:"notify_owners" env:"NOTIFY_OWNERS"`
}

// TwoFactorConfig controls TOTP enrollment and email challenges.
type TwoFactorConfig struct {
	Issuer           string        `yaml:"issuer" env:"ISSUER"`
	BackupCodeCount  int           `yaml:"backup_code_count" env:"BACKUP_CODE_COUNT"`
	EmailCodeLength  int           `yaml:"email_code_length" env:"EMAIL_CODE_LENGTH"`
	EmailCodeTTL     time.Duration `yaml:"email_code_ttl" env:"EMAIL_CODE_TTL"`
	EmailMaxAttempts int           `yaml:"email_max_attempts" env:"EMAIL_MAX_ATTEMPTS"`
	SendTimeout      time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
}

// AuditConfig controls audit retention and the emergency fallback file.
type AuditConfig struct {
	StandardRetentionDays int    `yaml:"standard_retention_days" env:"STANDARD_RETENTION_DAYS"`
	ExtendedRetentionDays int    `yaml:"extended_retention_days" env:"EXTENDED_RETENTION_DAYS"`
	EmergencyPath         string `yaml:"emergency_path" env:"EMERGENCY_PATH"`
	SweepSchedule         string `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	ReplaySchedule        string `yaml:"replay_schedule" env:"REPLAY_SCHEDULE"`
}

// ComplianceConfig controls data-subject workflows.
type ComplianceConfig struct {
	ErasureGrace         time.Duration    `yaml:"erasure_grace" env:"ERASURE_GRACE"`
	ConsentRetentionDays int              `yaml:"consent_retention_days" env:"CONSENT_RETENTION_DAYS"`
	SweepSchedule        string           `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	Controller           ControllerConfig `yaml:"controller" envPrefix:"CONTROLLER_"`
	Export               ExportConfig     `yaml:"export" envPrefix:"EXPORT_"`
}

// ControllerConfig identifies the data controller in subject exports.
type ControllerConfig struct {
	Name       string `yaml:"name" env:"NAME"`
	Address    string `yaml:"address" env:"ADDRESS"`
	Contact    string `yaml:"contact" env:"CONTACT"`
	DPOContact string `yaml:"dpo_contact" env:"DPO_CONTACT"`
}

// ExportConfig selects where portability artifacts are written.
type ExportConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"` // "file" or "s3"
	Dir        string `yaml:"dir" env:"DIR"`
	S3Bucket   string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Prefix   string `yaml:"s3_prefix" env:"S3_PREFIX"`
	S3Region   string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3KeyID    string `yaml:"s3_key_id" env:"S3_KEY_ID"`
	S3Secret   string `yaml:"s3_secret" env:"S3_SECRET"`
}

// AccountConfig controls password login lockout.
type AccountConfig struct {
	LockoutThreshold  int           `yaml:"lockout_threshold" env:"LOCKOUT_THRESHOLD"`
	LockoutDuration   time.Duration `yaml:"lockout_duration" env:"LOCKOUT_DURATION"`
	MinPasswordLength int           `yaml:"min_password_length" env:"MIN_PASSWORD_LENGTH"`
}

// MailerConfig configures outbound mail resilience.
type MailerConfig struct {
	From               string        `yaml:"from" env:"FROM"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures" env:"BREAKER_MAX_FAILURES"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout" env:"BREAKER_TIMEOUT"`
	PerRecipientBurst  int           `yaml:"per_recipient_burst" env:"PER_RECIPIENT_BURST"`
	PerRecipientEvery  time.Duration `yaml:"per_recipient_every" env:"PER_RECIPIENT_EVERY"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	SlackChannel    string `yaml:"slack_channel" env:"SLACK_CHANNEL"`
}

// defaultDataDir returns the persistent data directory under $HOME/.trustcore.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".trustcore")
}

// Defaults returns a Config populated with production defaults. The master
// key has no default.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Storage: StorageConfig{
			Path:         filepath.Join(dataDir, "trustcore.db"),
			ReadPoolSize: 4,
		},
		Credentials: CredentialsConfig{
			KeyPrefix:         "tc_",
			DefaultTTLDays:    30,
			DefaultRateLimit:  1000,
			RotationEnabled:   true,
			RotationInterval:  time.Hour,
			RotationLookahead: 7 * 24 * time.Hour,
			RetryBackoff:      5 * time.Minute,
			NotifyOwners:      true,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:           "TrustCore",
			BackupCodeCount:  10,
			EmailCodeLength:  6,
			EmailCodeTTL:     10 * time.Minute,
			EmailMaxAttempts: 3,
			SendTimeout:      15 * time.Second,
		},
		Audit: AuditConfig{
			StandardRetentionDays: 1095,
			ExtendedRetentionDays: 2555,
			EmergencyPath:         filepath.Join(dataDir, "audit-emergency.jsonl"),
			SweepSchedule:         "@daily",
			ReplaySchedule:        "15m",
		},
		Compliance: ComplianceConfig{
			ErasureGrace:         30 * 24 * time.Hour,
			ConsentRetentionDays: 2555,
			SweepSchedule:        "@hourly",
			Controller: ControllerConfig{
				Name:       "TrustCore Data Controller",
				Address:    "Not configured",
				Contact:    "privacy@example.invalid",
				DPOContact: "dpo@example.invalid",
			},
			Export: ExportConfig{
				Backend: "file",
				Dir:     filepath.Join(dataDir, "exports"),
			},
		},
		Account: AccountConfig{
			LockoutThreshold:  5,
			LockoutDuration:   30 * time.Minute,
			MinPasswordLength: 8,
		},
		Mailer: MailerConfig{
			From:               "no-reply@example.invalid",
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			PerRecipientBurst:  3,
			PerRecipientEvery:  20 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides and validates.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TRUSTCORE_* env vars onto cfg. Unset variables
// leave the current values untouched.
func ApplyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
