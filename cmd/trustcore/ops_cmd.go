package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trustcore/internal/domain"
	"trustcore/internal/security"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rotation worker and maintenance jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for name, next := range a.scheduler.NextRuns() {
		a.logger.Info("maintenance task scheduled", "task", name, "next_run", next)
	}

	var wg sync.WaitGroup
	if a.cfg.Credentials.RotationEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.rotator.Start(ctx)
		}()
	} else {
		a.logger.Info("credential rotation disabled")
	}

	a.logger.Info("trustcore running", "version", version)
	<-ctx.Done()
	a.logger.Info("shutting down")

	a.rotator.Stop()
	wg.Wait()
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Warn("scheduler stop failed", "error", err)
	}
	return nil
}

func newRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Run one credential rotation cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.rotator.RunCycle(ctx)
				if err != nil {
					return err
				}
				return render(cmd, map[string]int{"rotated": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "rotated %d credential(s)\n", n)
					return err
				})
			})
		},
	}
}

type sweepResult struct {
	Erased          int `json:"erased"`
	AuditExpired    int `json:"audit_expired"`
	AuditRecovered  int `json:"audit_recovered"`
	CredentialsDown int `json:"credentials_deactivated"`
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the erasure sweep, audit retention and emergency replay once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var res sweepResult
				erased, err := a.compliance.RunScheduledSweep(ctx)
				if err != nil {
					return fmt.Errorf("erasure sweep: %w", err)
				}
				res.Erased = len(erased)
				for _, e := range erased {
					res.CredentialsDown += e.CredentialsDeactivated
				}
				if res.AuditRecovered, err = a.ledger.RecoverEmergency(ctx); err != nil {
					return fmt.Errorf("emergency replay: %w", err)
				}
				if res.AuditExpired, err = a.ledger.SweepExpired(ctx); err != nil {
					return fmt.Errorf("audit retention: %w", err)
				}
				return render(cmd, res, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintf(tw, "identities erased\t%d\n", res.Erased)
					fmt.Fprintf(tw, "credentials deactivated\t%d\n", res.CredentialsDown)
					fmt.Fprintf(tw, "audit events expired\t%d\n", res.AuditExpired)
					fmt.Fprintf(tw, "audit events recovered\t%d\n", res.AuditRecovered)
					return tw.Flush()
				})
			})
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		since      string
		until      string
		categories []string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise audit activity for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := time.Now().UTC()
			if until != "" {
				t, err := parseTime(until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				end = t
			}
			start := end.AddDate(0, 0, -30)
			if since != "" {
				t, err := parseTime(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				start = t
			}
			cats := make([]domain.AuditCategory, 0, len(categories))
			for _, c := range categories {
				cats = append(cats, domain.AuditCategory(strings.ToLower(c)))
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.ledger.Report(ctx, start, end, cats)
				if err != nil {
					return err
				}
				return render(cmd, report, func(w io.Writer) error {
					return printReport(w, report)
				})
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Period start (RFC 3339 or YYYY-MM-DD, default 30 days before --until)")
	cmd.Flags().StringVar(&until, "until", "", "Period end (RFC 3339 or YYYY-MM-DD, default now)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Restrict to audit categories (repeatable)")
	return cmd
}

func printReport(w io.Writer, r *domain.ComplianceReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "period\t%s .. %s\n", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	fmt.Fprintf(tw, "events\t%d (%d ok, %d failed, %.1f%% success)\n", r.TotalEvents, r.Successful, r.Failed, r.SuccessRate)
	for _, k := range sortedKeys(r.ByCategory) {
		fmt.Fprintf(tw, "category %s\t%d\n", k, r.ByCategory[k])
	}
	for _, k := range sortedKeys(r.ByType) {
		fmt.Fprintf(tw, "type %s\t%d\n", k, r.ByType[k])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh master key for TRUSTCORE_SECURITY_MASTER_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateMasterKey()
			if err != nil {
				return err
			}
			return render(cmd, map[string]string{"master_key": key}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, key)
				return err
			})
		},
	}
}
