package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/github"
	"github.com/app-inventory/app-inventory/internal/usage"
)

type scanOptions struct {
	orgs         []string
	apps         []string
	inactiveDays int
	strategy     string
	configPath   string
	token        string
	apiURL       string
	output       string
	quiet        bool
}

func scanCmd(store TokenStore) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan organization audit logs for app activity",
		Long: `Scan one or more organization audit logs directly against the GitHub API and
print an activity verdict per app.

Examples:
  usagescan scan --org acme --app dependabot,renovate
  usagescan scan --org acme --org globex --app my-app --inactive-days 30 --strategy per_app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScan(ctx, cmd, opts, store)
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&opts.orgs, "org", nil, "organization to scan (repeatable or comma-separated)")
	f.StringSliceVar(&opts.apps, "app", nil, "app slugs to look for (comma-separated)")
	f.IntVar(&opts.inactiveDays, "inactive-days", 0, "days without activity before an app counts as inactive (default from config)")
	f.StringVar(&opts.strategy, "strategy", "", "scan strategy: bulk or per_app (default from config)")
	f.StringVar(&opts.configPath, "config", "", "path to a config file")
	f.StringVar(&opts.token, "token", "", "GitHub token (default: "+tokenEnvVar+", then the keychain)")
	f.StringVar(&opts.apiURL, "api-url", "", "GitHub REST root, e.g. https://ghe.example.com/api/v3")
	f.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("app")

	return cmd
}

func runScan(ctx context.Context, cmd *cobra.Command, opts *scanOptions, store TokenStore) error {
	orgs, apps := splitList(opts.orgs), splitList(opts.apps)
	if len(orgs) == 0 || len(apps) == 0 {
		return errors.New("at least one --org and one --app are required")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.strategy != "" {
		cfg.Usage.Strategy = opts.strategy
	}
	scanOpts, err := cfg.Usage.ScanOptions()
	if err != nil {
		return err
	}

	apiURL := cfg.GitHub.APIURL
	if opts.apiURL != "" {
		apiURL = opts.apiURL
	}
	client := github.NewClient(github.Settings{
		APIURL:  apiURL,
		Token:   resolveToken(firstNonEmpty(opts.token, cfg.GitHub.Token), store),
		Timeout: cfg.GitHub.RequestTimeout,
	})

	days := cfg.Usage.ClampInactiveDays(opts.inactiveDays)
	var reporter usage.Reporter = usage.ReporterFunc(nil)
	if !opts.quiet {
		reporter = newProgressPrinter(cmd.ErrOrStderr())
	}

	res, err := usage.NewScanner(client, scanOpts).ScanOrganizations(ctx, orgs, apps, config.InactiveThreshold(days), reporter)
	if err != nil {
		return err
	}

	r := report{InactiveDays: days, Usage: usage.SortedUsage(res.Usage)}
	for _, org := range res.Organizations {
		r.Organizations = append(r.Organizations, orgSummary{
			Organization:    org.Organization,
			Outcome:         org.Outcome,
			Error:           org.Error,
			PagesFetched:    org.PagesFetched,
			EntriesExamined: org.EntriesExamined,
		})
	}
	return printReport(cmd.OutOrStdout(), opts.output, r)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
