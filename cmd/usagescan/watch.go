package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/app-inventory/app-inventory/internal/stream"
	"github.com/app-inventory/app-inventory/internal/usage"
)

type watchOptions struct {
	server        string
	orgs          []string
	apps          []string
	inactiveDays  int
	token         string
	enterpriseURL string
	concurrency   int
	output        string
	quiet         bool
}

func watchCmd(store TokenStore) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow scans on a running usage server",
		Long: `Start one progress stream per organization on a running usage server, show
progress as it arrives, and merge the per-organization results.

Example:
  usagescan watch --server http://localhost:8080 --org acme --org globex --app dependabot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, opts, store)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "usage server base URL")
	f.StringArrayVar(&opts.orgs, "org", nil, "organization to scan (repeatable or comma-separated)")
	f.StringSliceVar(&opts.apps, "app", nil, "app slugs to look for (comma-separated)")
	f.IntVar(&opts.inactiveDays, "inactive-days", 0, "days without activity before an app counts as inactive (default from the server)")
	f.StringVar(&opts.token, "token", "", "GitHub token forwarded to the server (default: "+tokenEnvVar+", then the keychain)")
	f.StringVar(&opts.enterpriseURL, "enterprise-url", "", "GitHub Enterprise Server URL the server should query")
	f.IntVar(&opts.concurrency, "concurrency", 1, "organizations streamed at once; each holds a live audit log scan on the server")
	f.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("app")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, opts *watchOptions, store TokenStore) error {
	orgs, apps := splitList(opts.orgs), splitList(opts.apps)
	if len(orgs) == 0 || len(apps) == 0 {
		return errors.New("at least one --org and one --app are required")
	}

	token := resolveToken(opts.token, store)
	var reporter usage.Reporter = usage.ReporterFunc(nil)
	if !opts.quiet {
		reporter = newProgressPrinter(cmd.ErrOrStderr())
	}

	agg := usage.NewAggregator()
	var (
		mu        sync.Mutex
		summaries = make(map[string]orgSummary, len(orgs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))
	for _, org := range orgs {
		g.Go(func() error {
			client := stream.NewClient(stream.ClientOptions{
				BaseURL:       opts.server,
				Token:         token,
				EnterpriseURL: opts.enterpriseURL,
			})
			result, err := client.StreamOrganization(gctx, org, apps, opts.inactiveDays, reporter)

			summary := orgSummary{Organization: org, Outcome: usage.OutcomeComplete}
			var remote *stream.RemoteError
			switch {
			case err == nil:
				byApp := make(map[string]usage.AppUsageInfo, len(result))
				for _, info := range result {
					byApp[info.AppSlug] = info
				}
				agg.Add(org, byApp)
			case errors.As(err, &remote):
				summary.Outcome = usage.OutcomeFetchFailed
				if strings.HasPrefix(remote.Message, "audit log access denied") {
					summary.Outcome = usage.OutcomeAccessDenied
				}
				summary.Error = remote.Message
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				summary.Outcome = usage.OutcomeFetchFailed
				summary.Error = err.Error()
			}

			mu.Lock()
			summaries[org] = summary
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("watch interrupted: %w", err)
	}

	// Organizations without a result still contribute unknown verdicts for apps
	// that no other organization reported on.
	merged := agg.Merged()
	for _, app := range apps {
		if _, ok := merged[app]; !ok {
			merged[app] = usage.AppUsageInfo{AppSlug: app, Status: usage.StatusUnknown}
		}
	}

	r := report{InactiveDays: opts.inactiveDays, Usage: usage.SortedUsage(merged)}
	for _, org := range orgs {
		r.Organizations = append(r.Organizations, summaries[org])
	}
	return printReport(cmd.OutOrStdout(), opts.output, r)
}
