package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func validDefaults() *Config {
	cfg := Defaults()
	cfg.Security.MasterKey = testKey
	return cfg
}

func TestValidateDefaultsWithKeyPass(t *testing.T) {
	if err := Validate(validDefaults()); err != nil {
		t.Fatalf("Defaults with key should pass validation: %v", err)
	}
}

func TestValidateMissingMasterKey(t *testing.T) {
	err := Validate(Defaults())
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "security.master_key is required")
}

func TestValidateMalformedMasterKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Security.MasterKey = "abcd"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "64 hex characters")
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Credentials.DefaultTTLDays = 0
	cfg.TwoFactor.EmailMaxAttempts = 0
	cfg.Account.LockoutThreshold = 0

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateRetentionOrdering(t *testing.T) {
	cfg := validDefaults()
	cfg.Audit.ExtendedRetentionDays = 10
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "extended_retention_days")
}

func TestValidateSchedules(t *testing.T) {
	tests := []struct {
		schedule string
		ok       bool
	}{
		{"@daily", true},
		{"0 3 * * *", true},
		{"90m", true},
		{"", false},
		{"-5m", false},
		{"every tuesday", false},
	}
	for _, tt := range tests {
		cfg := validDefaults()
		cfg.Compliance.SweepSchedule = tt.schedule
		err := Validate(cfg)
		if tt.ok && err != nil {
			t.Errorf("schedule %q: unexpected error %v", tt.schedule, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("schedule %q: expected error", tt.schedule)
		}
	}
}

func TestValidateExportBackend(t *testing.T) {
	cfg := validDefaults()
	cfg.Compliance.Export.Backend = "s3"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for s3 without bucket")
	}
	assertContains(t, err.Error(), "s3_bucket")

	cfg.Compliance.Export.S3Bucket = "exports"
	cfg.Compliance.Export.S3Region = "eu-central-1"
	cfg.Compliance.Export.S3KeyID = "id-only"
	err = Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for half-configured static credentials")
	}
	assertContains(t, err.Error(), "must be set together")

	cfg.Compliance.Export.S3Secret = "secret"
	if err := Validate(cfg); err != nil {
		t.Fatalf("complete s3 config should pass: %v", err)
	}

	cfg.Compliance.Export.Backend = "ftp"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

func TestValidateSlackWebhook(t *testing.T) {
	cfg := validDefaults()
	cfg.Notify.SlackWebhookURL = "http://hooks.slack.com/services/x"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for non-https webhook")
	}
	assertContains(t, err.Error(), "https")
}

func TestValidateDurations(t *testing.T) {
	cfg := validDefaults()
	cfg.Credentials.RotationInterval = 0
	cfg.TwoFactor.EmailCodeTTL = -time.Second
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "rotation_interval")
	assertContains(t, err.Error(), "email_code_ttl")
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
