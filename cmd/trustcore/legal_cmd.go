package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"trustcore/internal/domain"
	"trustcore/internal/usecase/compliance"
)

func newLegalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legal",
		Short: "Maintain the legal change ledger",
	}
	cmd.AddCommand(newLegalLogCmd())
	cmd.AddCommand(newLegalListCmd())
	cmd.AddCommand(newLegalStatusCmd())
	cmd.AddCommand(newLegalNotifiedCmd())
	cmd.AddCommand(newLegalDashboardCmd())
	return cmd
}

func newLegalLogCmd() *cobra.Command {
	var (
		in       compliance.LegalChangeInput
		deadline string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record a new legal change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("type", in.ChangeType); err != nil {
				return err
			}
			if err := requireFlag("title", in.Title); err != nil {
				return err
			}
			if deadline != "" {
				t, err := parseTime(deadline)
				if err != nil {
					return fmt.Errorf("--deadline: %w", err)
				}
				in.ComplianceDeadline = &t
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.compliance.LogLegalChange(ctx, in)
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "logged %s %q version %s (%s)\n", rec.ChangeType, rec.Title, rec.Version, rec.ID)
					return err
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.ChangeType, "type", "", "Change type, e.g. privacy_policy")
	f.StringVar(&in.Title, "title", "", "Short title")
	f.StringVar(&in.Description, "description", "", "Description of the change")
	f.StringVar(&in.Jurisdiction, "jurisdiction", "", "Jurisdiction, e.g. EU")
	f.StringVar(&in.Regulation, "regulation", "", "Regulation, e.g. GDPR")
	f.StringVar(&in.ImpactAssessment, "impact", "", "Impact assessment")
	f.StringVar(&in.CreatedBy, "by", "", "Author of the entry")
	f.StringVar(&deadline, "deadline", "", "Compliance deadline (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func newLegalListCmd() *cobra.Command {
	var changeType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List legal changes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.compliance.LegalChanges(ctx, changeType)
				if err != nil {
					return err
				}
				return render(cmd, recs, func(w io.Writer) error {
					return printLegalChanges(w, recs)
				})
			})
		},
	}
	cmd.Flags().StringVar(&changeType, "type", "", "Only this change type")
	return cmd
}

func printLegalChanges(w io.Writer, recs []domain.LegalChangeRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tVERSION\tSTATUS\tNOTIFIED\tTITLE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.ChangeType, r.Version, r.ImplementationStatus, r.UsersNotified, r.Title)
	}
	return tw.Flush()
}

func newLegalStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <pending|in_progress|completed>",
		Short: "Move a legal change through implementation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.compliance.UpdateLegalChangeStatus(ctx, args[0], domain.ImplementationStatus(args[1]))
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s is now %s\n", rec.ID, rec.ImplementationStatus)
					return err
				})
			})
		},
	}
}

func newLegalNotifiedCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "notified <id>",
		Short: "Mark users as notified of a legal change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.compliance.MarkUsersNotified(ctx, args[0], method)
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s notified via %s\n", rec.ID, rec.NotificationMethod)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "email", "How users were notified")
	return cmd
}

func newLegalDashboardCmd() *cobra.Command {
	var identityID string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show compliance activity and recent legal changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				d, err := a.compliance.Dashboard(ctx, identityID)
				if err != nil {
					return err
				}
				return render(cmd, d, func(w io.Writer) error {
					return printLegalChanges(w, d.RecentLegalChanges)
				})
			})
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "Include the requests of this identity")
	return cmd
}
