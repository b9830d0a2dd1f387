package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/app"
	"github.com/sumandas0/fleetadmin/internal/kv"
)

var (
	// Build-time variables (set via ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

// cli holds the global flags and the lazily built application.
type cli struct {
	configPath  string
	output      string
	fake        bool
	skipCache   bool
	metricsFile string

	out      io.Writer
	app      *app.Application
	stopFake func()
}

func main() {
	c := &cli{out: os.Stdout}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := c.rootCommand().ExecuteContext(ctx)
	stop()
	if closeErr := c.close(); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Administer the edges, locations and topic permissions of an IoT fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVarP(&c.output, "output", "o", outputJSON, "Output format (json or yaml)")
	flags.BoolVar(&c.fake, "fake", false, "Run against an in-process demo backend")
	flags.BoolVar(&c.skipCache, "skip-cache", false, "Bypass cached reads")
	flags.StringVar(&c.metricsFile, "metrics-file", "", "Write client metrics to this file on exit (node_exporter textfile format)")

	root.AddCommand(
		c.versionCommand(),
		c.loginCommand(),
		c.logoutCommand(),
		c.orgCommand(),
		c.edgesCommand(),
		c.locationsCommand(),
		c.topicsCommand(),
		c.recordsCommand(),
		c.refTypesCommand(),
		c.dashboardCommand(),
		c.healthCommand(),
		c.cacheCommand(),
	)
	return root
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(map[string]string{
				"version":    version,
				"commit":     commit,
				"build_time": buildTime,
			})
		},
	}
}

// application loads the configuration and builds the application on first
// use. With --fake the backend runs in-process and nothing touches disk.
func (c *cli) application(_ context.Context) (*app.Application, error) {
	if c.app != nil {
		return c.app, nil
	}
	if c.output != outputJSON && c.output != outputYAML {
		return nil, fmt.Errorf("unsupported output format %q", c.output)
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.skipCache {
		cfg.Cache.SkipCache = true
	}

	var opts []app.Option
	if c.fake {
		baseURL, stop := startFakeBackend(cfg)
		cfg.API.BaseURL = baseURL
		c.stopFake = stop
		opts = append(opts, app.WithStores(kv.NewMemoryStore(), kv.NewMemoryStore()))
	}

	a, err := app.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	c.app = a
	return a, nil
}

func (c *cli) close() error {
	var result error
	if c.app != nil {
		if c.metricsFile != "" {
			if err := c.app.Metrics.WriteTextfile(c.metricsFile); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to write metrics: %w", err))
			}
		}
		if err := c.app.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.app = nil
	}
	if c.stopFake != nil {
		c.stopFake()
		c.stopFake = nil
	}
	return result
}
