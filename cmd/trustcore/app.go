package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"trustcore/internal/adapter/exportsink"
	"trustcore/internal/adapter/mailer"
	"trustcore/internal/adapter/notify"
	"trustcore/internal/adapter/storage/sqlite"
	"trustcore/internal/domain"
	"trustcore/internal/infra/config"
	"trustcore/internal/infra/logger"
	"trustcore/internal/infra/tracer"
	"trustcore/internal/security"
	"trustcore/internal/usecase/account"
	"trustcore/internal/usecase/audit"
	"trustcore/internal/usecase/compliance"
	"trustcore/internal/usecase/credential"
	"trustcore/internal/usecase/scheduling"
	"trustcore/internal/usecase/twofactor"
)

// app holds every wired component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *sqlite.Store
	ledger     *audit.Ledger
	accounts   *account.Service
	keys       *credential.Manager
	rotator    *credential.Rotator
	twoFactor  *twofactor.Engine
	compliance *compliance.Engine
	scheduler  *scheduling.Scheduler

	cleanups []func()
}

// Close runs the cleanups in reverse order (LIFO).
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// newApp loads the config at path and wires the services. On error every
// component initialised so far is released.
func newApp(ctx context.Context, path string) (_ *app, err error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg)
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Logging and tracing.
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.logger = log
	a.cleanups = append(a.cleanups, func() { _ = closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.cleanups = append(a.cleanups, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	})

	// 2. Key material. The cipher is zeroized last-in, first-out after the
	// services that use it are gone.
	cipher, err := security.NewCipher(cfg.Security.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	a.cleanups = append(a.cleanups, cipher.Zeroize)

	// 3. Storage.
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := sqlite.Open(cfg.Storage.Path, cfg.Storage.ReadPoolSize)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.cleanups = append(a.cleanups, func() { _ = store.Close() })

	// 4. Audit ledger with its emergency file.
	emergency, err := security.NewEmergencyLog(cfg.Audit.EmergencyPath)
	if err != nil {
		return nil, fmt.Errorf("emergency audit log: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { _ = emergency.Close() })
	a.ledger = audit.NewLedger(store, emergency, audit.Config{
		StandardRetention: days(cfg.Audit.StandardRetentionDays),
		ExtendedRetention: days(cfg.Audit.ExtendedRetentionDays),
	}, log)

	// 5. Outbound adapters.
	mail := mailer.NewGuard(mailer.NewLogMailer(log, false, 0), mailer.GuardConfig{
		MaxFailures: cfg.Mailer.BreakerMaxFailures,
		Timeout:     cfg.Mailer.BreakerTimeout,
		Burst:       cfg.Mailer.PerRecipientBurst,
		Every:       cfg.Mailer.PerRecipientEvery,
	}, log)
	sink, err := newExportSink(ctx, cfg.Compliance.Export)
	if err != nil {
		return nil, fmt.Errorf("export sink: %w", err)
	}
	notifiers, err := newNotifiers(cfg, mail, log)
	if err != nil {
		return nil, err
	}

	// 6. Services.
	a.accounts = account.NewService(store, a.ledger, account.Config{
		LockoutThreshold:  cfg.Account.LockoutThreshold,
		LockoutDuration:   cfg.Account.LockoutDuration,
		MinPasswordLength: cfg.Account.MinPasswordLength,
		ConsentRetention:  days(cfg.Compliance.ConsentRetentionDays),
	}, log)
	a.keys = credential.NewManager(store, store, cipher, a.ledger, credential.Config{
		KeyPrefix:        cfg.Credentials.KeyPrefix,
		DefaultTTL:       days(cfg.Credentials.DefaultTTLDays),
		DefaultRateLimit: cfg.Credentials.DefaultRateLimit,
	}, log)
	a.rotator = credential.NewRotator(a.keys, store, a.ledger, credential.RotatorConfig{
		Interval:     cfg.Credentials.RotationInterval,
		Lookahead:    cfg.Credentials.RotationLookahead,
		RetryBackoff: cfg.Credentials.RetryBackoff,
	}, log, notifiers...)
	a.twoFactor = twofactor.NewEngine(store, store, cipher, mail, a.ledger, twofactor.Config{
		Issuer:           cfg.TwoFactor.Issuer,
		BackupCodeCount:  cfg.TwoFactor.BackupCodeCount,
		EmailCodeLength:  cfg.TwoFactor.EmailCodeLength,
		EmailCodeTTL:     cfg.TwoFactor.EmailCodeTTL,
		EmailMaxAttempts: cfg.TwoFactor.EmailMaxAttempts,
		SendTimeout:      cfg.TwoFactor.SendTimeout,
	}, log)
	ctrl := cfg.Compliance.Controller
	a.compliance = compliance.NewEngine(compliance.Deps{
		Identities:  store,
		Records:     store,
		Legal:       store,
		Credentials: a.keys,
		Audit:       a.ledger,
		Sink:        sink,
	}, compliance.Config{
		ConsentRetention: days(cfg.Compliance.ConsentRetentionDays),
		ErasureGrace:     cfg.Compliance.ErasureGrace,
		Controller: domain.DataController{
			Name:       ctrl.Name,
			Address:    ctrl.Address,
			Contact:    ctrl.Contact,
			DPOContact: ctrl.DPOContact,
		},
	}, log)

	// 7. Maintenance jobs.
	a.scheduler = scheduling.NewScheduler(log)
	if err := scheduling.RegisterMaintenance(a.scheduler, a.compliance, a.ledger, scheduling.Schedules{
		ErasureSweep:    cfg.Compliance.SweepSchedule,
		AuditRetention:  cfg.Audit.SweepSchedule,
		EmergencyReplay: cfg.Audit.ReplaySchedule,
	}); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	// Events parked by a previous run go back into the store first.
	if n, err := a.ledger.RecoverEmergency(ctx); err != nil {
		log.Warn("emergency audit replay failed", "error", err)
	} else if n > 0 {
		log.Info("recovered emergency audit events", "count", n)
	}
	return a, nil
}

func newExportSink(ctx context.Context, cfg config.ExportConfig) (domain.ExportSink, error) {
	switch cfg.Backend {
	case "s3":
		return exportsink.NewS3Sink(ctx, exportsink.S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
		})
	case "file", "":
		return exportsink.NewFileSink(cfg.Dir)
	default:
		return nil, fmt.Errorf("unsupported export backend %q", cfg.Backend)
	}
}

func newNotifiers(cfg *config.Config, mail domain.Mailer, log *slog.Logger) ([]domain.RotationNotifier, error) {
	out := []domain.RotationNotifier{notify.NewLogNotifier(log)}
	if cfg.Credentials.NotifyOwners {
		out = append(out, notify.NewMailNotifier(mail))
	}
	if cfg.Notify.SlackWebhookURL != "" {
		slack, err := notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, cfg.Notify.SlackChannel)
		if err != nil {
			return nil, fmt.Errorf("slack notifier: %w", err)
		}
		out = append(out, slack)
	}
	return out, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
