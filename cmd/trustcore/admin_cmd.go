package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trustcore/internal/domain"
	"trustcore/internal/usecase/account"
	"trustcore/internal/usecase/compliance"
	"trustcore/internal/usecase/credential"
)

// identityView is the printable part of an identity. Hashes and secrets
// stay out of it.
type identityView struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	ConsentGiven     bool       `json:"consent_given"`
	RetentionUntil   *time.Time `json:"retention_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func viewIdentity(i *domain.Identity) identityView {
	return identityView{
		ID:               i.ID,
		Username:         i.Username,
		Email:            i.Email,
		TwoFactorEnabled: i.TwoFactorEnabled,
		LockedUntil:      i.LockedUntil,
		ConsentGiven:     i.ConsentGiven,
		RetentionUntil:   i.RetentionUntil,
		CreatedAt:        i.CreatedAt,
	}
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Register and unlock identities",
	}
	cmd.AddCommand(newIdentityRegisterCmd())
	cmd.AddCommand(newIdentityUnlockCmd())
	return cmd
}

func newIdentityRegisterCmd() *cobra.Command {
	var req account.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an identity; the password is read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			req.Password = password
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ident, err := a.accounts.Register(ctx, req)
				if err != nil {
					return err
				}
				v := viewIdentity(ident)
				return render(cmd, v, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "registered %s (%s)\n", v.Username, v.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Username, "username", "", "Username")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email address")
	cmd.Flags().BoolVar(&req.Consent, "consent", false, "Record consent to processing")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newIdentityUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <identity-id>",
		Short: "Clear a login lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ident, err := a.accounts.Unlock(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, viewIdentity(ident), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "unlocked %s\n", ident.ID)
					return err
				})
			})
		},
	}
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API credentials",
	}
	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyListCmd())
	return cmd
}

type issuedKey struct {
	Secret     string             `json:"secret"`
	Credential *domain.Credential `json:"credential"`
}

func printIssued(w io.Writer, k issuedKey) error {
	expiry := "never"
	if k.Credential.ExpiresAt != nil {
		expiry = k.Credential.ExpiresAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w, "id:      %s\nsecret:  %s\nexpires: %s\nThe secret is shown once.\n", k.Credential.ID, k.Secret, expiry)
	return err
}

func newKeyIssueCmd() *cobra.Command {
	var req credential.IssueRequest
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key; the secret is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("identity", req.IdentityID); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				secret, cred, err := a.keys.Issue(ctx, req)
				if err != nil {
					return err
				}
				k := issuedKey{Secret: secret, Credential: cred}
				return render(cmd, k, func(w io.Writer) error { return printIssued(w, k) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.IdentityID, "identity", "", "Owning identity ID")
	f.StringVar(&req.Name, "name", "", "Key name")
	f.StringSliceVar(&req.Scopes, "scope", nil, "Granted scope (repeatable)")
	f.IntVar(&req.TTLDays, "ttl-days", 0, "Lifetime in days (0 = configured default)")
	f.IntVar(&req.RateLimit, "rate-limit", 0, "Requests per hour (0 = configured default)")
	f.StringSliceVar(&req.IPAllowlist, "allow-ip", nil, "Allowed client IP (repeatable)")
	f.BoolVar(&req.NeverExpires, "never-expires", false, "Issue without an expiry")
	f.BoolVar(&req.PinRotation, "pin", false, "Exclude from automatic rotation")
	return cmd
}

func newKeyRotateCmd() *cobra.Command {
	var extend bool
	cmd := &cobra.Command{
		Use:   "rotate <credential-id>",
		Short: "Replace the secret of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				secret, cred, err := a.keys.Rotate(ctx, args[0], extend)
				if err != nil {
					return err
				}
				k := issuedKey{Secret: secret, Credential: cred}
				return render(cmd, k, func(w io.Writer) error { return printIssued(w, k) })
			})
		},
	}
	cmd.Flags().BoolVar(&extend, "extend", true, "Restart the expiry window")
	return cmd
}

func newKeyRevokeCmd() *cobra.Command {
	var reason, identityID string
	cmd := &cobra.Command{
		Use:   "revoke [credential-id]",
		Short: "Revoke an API key, or every key of --identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (identityID != "") {
				return fmt.Errorf("give either a credential id or --identity")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if identityID != "" {
					ids, err := a.keys.DeactivateForIdentity(ctx, identityID, reason)
					if err != nil {
						return err
					}
					return render(cmd, map[string][]string{"revoked": ids}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "revoked %d key(s) of %s\n", len(ids), identityID)
						return err
					})
				}
				if err := a.keys.Revoke(ctx, args[0], reason); err != nil {
					return err
				}
				return render(cmd, map[string][]string{"revoked": {args[0]}}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "revoked %s\n", args[0])
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Revocation reason")
	cmd.Flags().StringVar(&identityID, "identity", "", "Revoke every active key of this identity")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <identity-id>",
		Short: "List an identity's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				creds, err := a.keys.List(ctx, args[0], all)
				if err != nil {
					return err
				}
				return render(cmd, creds, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tEXPIRES\tUSAGE")
					for _, c := range creds {
						exp := "never"
						if c.ExpiresAt != nil {
							exp = c.ExpiresAt.Format(time.DateOnly)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", c.ID, c.Name, c.Prefix, c.Active, exp, c.UsageCount)
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include revoked keys")
	return cmd
}

func newSubjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Handle data-subject requests",
	}
	cmd.AddCommand(newSubjectConsentCmd())
	cmd.AddCommand(newSubjectAccessCmd())
	cmd.AddCommand(newSubjectRectifyCmd())
	cmd.AddCommand(newSubjectEraseCmd())
	cmd.AddCommand(newSubjectExportCmd())
	return cmd
}

func printRecord(w io.Writer, rec *domain.ComplianceRecord) error {
	_, err := fmt.Fprintf(w, "%s request %s: %s\n", rec.RequestType, rec.ID, rec.Status)
	return err
}

func newSubjectConsentCmd() *cobra.Command {
	var (
		req      compliance.ConsentRequest
		withdraw bool
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "consent <identity-id>",
		Short: "Record or withdraw consent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					rec *domain.ComplianceRecord
					err error
				)
				if withdraw {
					rec, err = a.compliance.WithdrawConsent(ctx, args[0], reason)
				} else {
					req.IdentityID = args[0]
					rec, err = a.compliance.RecordConsent(ctx, req)
				}
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error { return printRecord(w, rec) })
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&req.Given, "given", true, "Whether consent was given")
	f.StringVar(&req.Mechanism, "mechanism", "cli", "How consent was collected")
	f.StringSliceVar(&req.Categories, "category", nil, "Data category covered (repeatable)")
	f.StringSliceVar(&req.Purposes, "purpose", nil, "Processing purpose covered (repeatable)")
	f.BoolVar(&withdraw, "withdraw", false, "Withdraw consent instead")
	f.StringVar(&reason, "reason", "", "Withdrawal reason")
	return cmd
}

func newSubjectAccessCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "access <identity-id>",
		Short: "Produce the data held about an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				_, data, err := a.compliance.ProcessAccess(ctx, args[0], categories)
				if err != nil {
					return err
				}
				// Subject data is nested; both formats print it as JSON.
				return printJSON(cmd.OutOrStdout(), data)
			})
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Requested category (repeatable, default all)")
	return cmd
}

func newSubjectRectifyCmd() *cobra.Command {
	var (
		updates       map[string]string
		justification string
	)
	cmd := &cobra.Command{
		Use:   "rectify <identity-id>",
		Short: "Correct an identity's username or email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.compliance.ProcessRectification(ctx, args[0], updates, justification)
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error { return printRecord(w, rec) })
			})
		},
	}
	cmd.Flags().StringToStringVar(&updates, "set", nil, "Field update, e.g. --set email=new@example.com")
	cmd.Flags().StringVar(&justification, "justification", "", "Reason for the correction")
	return cmd
}

func newSubjectEraseCmd() *cobra.Command {
	var (
		reason    string
		immediate bool
	)
	cmd := &cobra.Command{
		Use:   "erase <identity-id>",
		Short: "Erase an identity now or after the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.compliance.ProcessErasure(ctx, args[0], reason, immediate)
				if err != nil {
					return err
				}
				return render(cmd, rec, func(w io.Writer) error { return printRecord(w, rec) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "subject request", "Erasure reason")
	cmd.Flags().BoolVar(&immediate, "immediate", false, "Erase now instead of scheduling")
	return cmd
}

func newSubjectExportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <identity-id>",
		Short: "Write a portability export to the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, location, err := a.compliance.ProcessPortability(ctx, args[0], format)
				if err != nil {
					return err
				}
				out := map[string]any{"record": rec, "location": location}
				return render(cmd, out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "exported %s to %s\n", args[0], location)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Export format (json, csv)")
	return cmd
}

func newTwoFactorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twofactor",
		Short: "Inspect two-factor enrollment",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <identity-id>",
		Short: "Show an identity's second-factor state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.twoFactor.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, st, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "enabled: %t\nbackup codes remaining: %d\npending setup: %t\n",
						st.Enabled, st.BackupCodesRemaining, st.PendingSetup)
					return err
				})
			})
		},
	})
	return cmd
}
