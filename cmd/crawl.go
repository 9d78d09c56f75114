package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/app"
	"github.com/JakeFAU/statecrawler/internal/config"
	"github.com/JakeFAU/statecrawler/internal/logging"
	"github.com/JakeFAU/statecrawler/internal/report"
)

// crawlRunner is what the crawl command drives. *app.App satisfies it.
type crawlRunner interface {
	Run(ctx context.Context) (report.Report, error)
	Close() error
}

// newCrawlRunner is a variable so tests can swap in a stub.
var newCrawlRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawlRunner, error) {
	return app.New(ctx, cfg, logger)
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site starting from --url",
		Long: `Opens a browser context, loads the start URL and explores every link,
button and form it can reach within the allowed domains. Progress is logged;
a JSON report is written when the frontier drains or the crawl is interrupted.`,
		Example: `  statecrawler crawl --url https://app.example.com/ --domains example.com --payload payload.yml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, root)
		},
	}

	f := cmd.Flags()
	f.String("url", "", "start URL")
	f.StringSlice("domains", nil, "allowed domains (default: host of --url)")
	f.String("payload", "", "form payload YAML file")
	f.Int("max-depth", 3, "maximum click-chain length")
	f.String("driver", "chromedp", "browser driver: chromedp or playwright")
	f.Bool("serve", false, "serve crawl status over HTTP while crawling")
	return cmd
}

func runCrawl(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := config.Load(root.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	runner, err := newCrawlRunner(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize crawl: %w", err)
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("close crawl outputs failed", zap.Error(cerr))
		}
	}()

	rep, err := runner.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %d targets processed, %d pending, %d errors logged\n",
		rep.RunID, rep.Status, rep.Stats.Processed, rep.Pending, len(rep.Errors))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}
