// Package questctl implements the operator CLI. Commands run the verification
// pipeline in-process against the configured stores.
package questctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	entrypoint "github.com/louisbranch/questgate/internal/platform/cmd"
	"github.com/louisbranch/questgate/internal/platform/discovery"
	apperrors "github.com/louisbranch/questgate/internal/platform/errors"
	platformgrpc "github.com/louisbranch/questgate/internal/platform/grpc"
	verifierapp "github.com/louisbranch/questgate/internal/services/verifier/app"
	"github.com/louisbranch/questgate/internal/services/verifier/audit"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
)

// Config holds questctl defaults, read from the same environment as the
// verifier.
type Config struct {
	CatalogPath        string `env:"QUESTGATE_VERIFIER_CATALOG" envDefault:"data/quests.yaml"`
	SharedStore        string `env:"QUESTGATE_SHARED_STORE"`
	DBPath             string `env:"QUESTGATE_VERIFIER_DB_PATH" envDefault:"data/verifier.db"`
	RPCURL             string `env:"QUESTGATE_RPC_URL"`
	ExternalVerifyURL  string `env:"QUESTGATE_EXTERNAL_VERIFY_URL"`
	AdminSecret        string `env:"QUESTGATE_ADMIN_SECRET"`
	AdminRevokeEnabled bool   `env:"QUESTGATE_ADMIN_REVOKE_ENABLED" envDefault:"false"`
	AuditConcurrency   int    `env:"QUESTGATE_AUDIT_CONCURRENCY" envDefault:"10"`
}

var (
	okMark   = color.New(color.FgGreen)
	warnMark = color.New(color.FgYellow)
	failMark = color.New(color.FgRed)
)

type cli struct {
	cfg Config
	out io.Writer
	now func() time.Time
}

// NewRootCmd builds the questctl command tree writing to out.
func NewRootCmd(out io.Writer) (*cobra.Command, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return nil, err
	}
	c := &cli{cfg: cfg, out: out, now: time.Now}

	root := &cobra.Command{
		Use:           "questctl",
		Short:         "Operate the quest verifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfg.CatalogPath, "catalog", cfg.CatalogPath, "Quest catalog file (YAML or JSON)")
	flags.StringVar(&c.cfg.SharedStore, "shared-store", cfg.SharedStore, "Shared store: empty, memory, or a redis:// URL")
	flags.StringVar(&c.cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path, used without a shared store")
	flags.StringVar(&c.cfg.RPCURL, "rpc-url", cfg.RPCURL, "Default JSON-RPC node for on-chain quests")
	flags.StringVar(&c.cfg.ExternalVerifyURL, "external-verify-url", cfg.ExternalVerifyURL, "Verify service for quests without an evaluator")

	root.AddCommand(c.verifyCmd())
	root.AddCommand(c.grantCmd())
	root.AddCommand(c.revokeCmd())
	root.AddCommand(c.profileCmd())
	root.AddCommand(c.auditCmd())
	root.AddCommand(c.resetCmd())
	root.AddCommand(c.statsCmd())
	root.AddCommand(c.catalogCmd())
	root.AddCommand(c.tokenCmd())
	root.AddCommand(c.healthCmd())
	root.AddCommand(c.secretCmd())
	return root, nil
}

// Execute runs questctl with args.
func Execute(ctx context.Context, out io.Writer, args []string) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceQuestctl, func(ctx context.Context) error {
		root, err := NewRootCmd(out)
		if err != nil {
			return err
		}
		root.SetArgs(args)
		return root.ExecuteContext(ctx)
	})
}

func (c *cli) runtimeConfig() verifierapp.RuntimeConfig {
	return verifierapp.RuntimeConfig{
		CatalogPath: c.cfg.CatalogPath,
		Stores: verifierapp.StoreConfig{
			SharedStore: c.cfg.SharedStore,
			DBPath:      c.cfg.DBPath,
		},
		RPCURL:             c.cfg.RPCURL,
		ExternalVerifyURL:  c.cfg.ExternalVerifyURL,
		AdminRevokeEnabled: c.cfg.AdminRevokeEnabled,
		AuditConcurrency:   c.cfg.AuditConcurrency,
	}
}

// session is an opened pipeline plus the catalog it serves.
type session struct {
	*verifierapp.Pipeline
	quests *catalog.Static
}

func (c *cli) open(ctx context.Context) (*session, error) {
	quests, err := catalog.Load(c.cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	pipeline, err := verifierapp.NewPipeline(ctx, c.runtimeConfig())
	if err != nil {
		return nil, err
	}
	return &session{Pipeline: pipeline, quests: quests}, nil
}

func (s *session) quest(ctx context.Context, id string) (catalog.Quest, error) {
	return s.quests.FindQuest(ctx, id)
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account> <quest-id>",
		Short: "Verify a claim and grant its reward",
		Long: `Run one claim through the verification pipeline, exactly as the API
would, and print the outcome.

Examples:
  questctl verify 0xabc... daily-login`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			quest, err := s.quest(ctx, args[1])
			if err != nil {
				return err
			}
			ev, err := s.Registry.Build(ctx, quest.Evaluator)
			if err != nil {
				return fmt.Errorf("build evaluator for %s: %w", quest.ID, err)
			}
			result, err := s.Orchestrator.Verify(ctx, orchestrator.Claim{
				Caller:  "questctl",
				Account: args[0],
				Quest:   quest,
			}, ev)
			if err != nil {
				return c.displayVerifyError(err)
			}
			okMark.Fprintf(c.out, "completed")
			fmt.Fprintf(c.out, " (%s)\n", result.Source)
			return nil
		},
	}
}

// displayVerifyError prints outcomes the caller can retry later and returns
// everything else.
func (c *cli) displayVerifyError(err error) error {
	domainErr, ok := apperrors.As(err)
	if !ok || domainErr.RetryAfter <= 0 {
		return err
	}
	mark := warnMark
	if domainErr.Code != apperrors.CodeCooldown {
		mark = failMark
	}
	mark.Fprintf(c.out, "%s", domainErr.Code.Wire())
	fmt.Fprintf(c.out, ": %s (retry after %ds)\n", domainErr.Message, domainErr.RetryAfterSeconds())
	return nil
}

func (c *cli) grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <account> <quest-id>",
		Short: "Grant a quest reward without verification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			quest, err := s.quest(ctx, args[1])
			if err != nil {
				return err
			}
			account := orchestrator.NormalizeAccount(args[0])
			granted, err := s.Granter.GrantOnce(ctx, reward.Grant{
				Account: account,
				QuestID: quest.ID,
				Points:  quest.Points,
				Bonus:   quest.Bonus,
				Group:   quest.Group,
			})
			if err != nil {
				return err
			}
			if !granted {
				warnMark.Fprintf(c.out, "already granted")
				fmt.Fprintf(c.out, " %s %s\n", account, quest.ID)
				return nil
			}
			s.Ledger.WriteSuccess(ctx, account, quest.ID)
			okMark.Fprintf(c.out, "granted")
			fmt.Fprintf(c.out, " %s %s (+%d)\n", account, quest.ID, quest.Points)
			return nil
		},
	}
}

func (c *cli) revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <account> <quest-id>",
		Short: "Revoke a quest reward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			quest, err := s.quest(ctx, args[1])
			if err != nil {
				return err
			}
			account := orchestrator.NormalizeAccount(args[0])
			if err := s.Auditor.Revoke(ctx, quest, account); err != nil {
				return err
			}
			failMark.Fprintf(c.out, "revoked")
			fmt.Fprintf(c.out, " %s %s\n", account, quest.ID)
			return nil
		},
	}
}

func (c *cli) profileCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "profile <account>",
		Short: "Show an account's rewards and recent ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			account := orchestrator.NormalizeAccount(args[0])
			state, err := s.Granter.State(ctx, account)
			if err != nil {
				return err
			}
			events, err := s.Ledger.ReadRecent(ctx, account, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(c.out, map[string]any{"state": state, "ledger": events})
			}

			fmt.Fprintf(c.out, "Account: %s\n", state.Account)
			fmt.Fprintf(c.out, "Points:  %d\n", state.Points)
			fmt.Fprintf(c.out, "Quests:  %s\n", strings.Join(state.Verified, ", "))
			for group, members := range state.Bonus {
				fmt.Fprintf(c.out, "Bonus %s: %s\n", group, strings.Join(members, ", "))
			}
			if len(events) > 0 {
				fmt.Fprintln(c.out)
			}
			for _, event := range events {
				fmt.Fprintf(c.out, "  %s  %-8s %s %s\n", event.At.Format(time.RFC3339), event.Kind, event.QuestID, event.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Ledger events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var req struct {
		cursor string
		batch  int
		apply  bool
	}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit <quest-id>",
		Short: "Re-check current holders of a quest",
		Long: `Re-run the quest's evaluator for one page of holders. Without --apply the
audit only reports; revocations also need QUESTGATE_ADMIN_REVOKE_ENABLED.

Examples:
  questctl audit daily-login --batch 200
  questctl audit daily-login --cursor 0x9f... --apply`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			quest, err := s.quest(ctx, args[0])
			if err != nil {
				return err
			}
			ev, err := s.Registry.Build(ctx, quest.Evaluator)
			if err != nil {
				return fmt.Errorf("build evaluator for %s: %w", quest.ID, err)
			}
			report, err := s.Auditor.Audit(ctx, audit.Request{
				Quest:  quest,
				Cursor: req.cursor,
				Batch:  req.batch,
				Apply:  req.apply,
			}, ev)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(c.out, report)
			}
			displayReport(c.out, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.cursor, "cursor", "", "Resume after this holder")
	cmd.Flags().IntVar(&req.batch, "batch", audit.DefaultBatch, "Holders per page")
	cmd.Flags().BoolVar(&req.apply, "apply", false, "Revoke holders that no longer qualify")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func displayReport(out io.Writer, report audit.Report) {
	fmt.Fprintf(out, "Audit: %s (%d checked)\n", report.QuestID, report.Checked)
	okMark.Fprintf(out, "  kept     %d\n", report.Kept)
	failMark.Fprintf(out, "  revoked  %d\n", report.Revoked)
	warnMark.Fprintf(out, "  failed   %d\n", report.Failed)
	for _, account := range report.RevokedSample {
		fmt.Fprintf(out, "    - %s\n", account)
	}
	switch {
	case report.Applied:
		fmt.Fprintln(out, "Revocations applied.")
	case report.RevokeDisabled:
		fmt.Fprintln(out, "Revocations are disabled; nothing changed.")
	case report.Revoked > 0:
		fmt.Fprintln(out, "Dry run; pass --apply to revoke.")
	}
	if report.Cursor != "" {
		fmt.Fprintf(out, "Next page: --cursor %s\n", report.Cursor)
	}
}

func (c *cli) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <account>",
		Short: "Delete an account's rewards and ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Auditor.Reset(ctx, args[0])
			if err != nil {
				return err
			}
			failMark.Fprintf(c.out, "reset")
			fmt.Fprintf(c.out, " %s (%d points, %d quests)\n", report.Account, report.Points, len(report.Cleared))
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	var batch int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count verified holders per quest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			total := audit.StatsReport{Counts: map[string]int64{}}
			cursor := ""
			for {
				page, err := s.Auditor.Stats(ctx, audit.StatsRequest{Cursor: cursor, Batch: batch})
				if err != nil {
					return err
				}
				total.Accounts += page.Accounts
				for questID, n := range page.Counts {
					total.Counts[questID] += n
				}
				if page.Cursor == "" {
					break
				}
				cursor = page.Cursor
			}
			if asJSON {
				return writeJSON(c.out, total)
			}

			questIDs := make([]string, 0, len(total.Counts))
			for questID := range total.Counts {
				questIDs = append(questIDs, questID)
			}
			sort.Strings(questIDs)
			fmt.Fprintf(c.out, "Accounts: %d\n", total.Accounts)
			for _, questID := range questIDs {
				fmt.Fprintf(c.out, "  %-24s %d\n", questID, total.Counts[questID])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", audit.DefaultBatch, "Accounts per page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func (c *cli) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the quest catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the catalog and list its quests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			quests, err := catalog.Load(c.cfg.CatalogPath)
			if err != nil {
				failMark.Fprintf(c.out, "invalid")
				fmt.Fprintf(c.out, " %s\n", c.cfg.CatalogPath)
				return err
			}
			for _, quest := range quests.Quests() {
				kind := string(quest.Evaluator.Kind)
				if kind == "" {
					kind = "default"
				}
				fmt.Fprintf(c.out, "  %-24s %6d pts  %s\n", quest.ID, quest.Points, kind)
			}
			okMark.Fprintf(c.out, "ok")
			fmt.Fprintf(c.out, " %d quests\n", len(quests.Quests()))
			return nil
		},
	})
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with QUESTGATE_ADMIN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := verifierapp.IssueAdminToken([]byte(c.cfg.AdminSecret), subject, ttl, c.now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "questctl", "Token subject recorded in admin logs")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	var addr string
	var timeout time.Duration
	var verbose bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Wait for a verifier to report SERVING",
		Long: `Probe the verifier's gRPC health server until it serves or the timeout
passes. The address defaults to the in-network verifier.

Examples:
  questctl health --addr localhost:8096 --timeout 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var logf func(string, ...any)
			if verbose {
				logf = func(format string, args ...any) {
					fmt.Fprintf(c.out, format+"\n", args...)
				}
			}
			target := discovery.OrDefaultGRPCAddr(addr, discovery.ServiceVerifier)
			if err := platformgrpc.Probe(cmd.Context(), target, verifierapp.HealthService, timeout, logf); err != nil {
				failMark.Fprintf(c.out, "unhealthy")
				fmt.Fprintf(c.out, " %s\n", target)
				return err
			}
			okMark.Fprintf(c.out, "serving")
			fmt.Fprintf(c.out, " %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Verifier health address (default "+discovery.DefaultGRPCAddr(discovery.ServiceVerifier)+")")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Print each probe")
	return cmd
}

func writeJSON(out io.Writer, payload any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
