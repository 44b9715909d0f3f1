package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/atp-events/internal/config"
	"github.com/Sternrassler/atp-events/internal/window"
	"github.com/Sternrassler/atp-events/pkg/cache"
	"github.com/Sternrassler/atp-events/pkg/client"
	"github.com/Sternrassler/atp-events/pkg/coordinator"
	"github.com/Sternrassler/atp-events/pkg/logging"
	"github.com/Sternrassler/atp-events/pkg/metrics"
	"github.com/Sternrassler/atp-events/pkg/pagination"
	"github.com/Sternrassler/atp-events/pkg/sink"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errPullFailed = errors.New("one or more servers failed to complete their pull")

type options struct {
	query      string
	server     string
	days       int
	hours      int
	datetime   string
	configFile string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "atp-events -q QUERY [-s SERVER] [-d DAYS] [-H HOURS] [-t YYYY-MM-DD_HH:MM:SS]",
		Short: "Pull events from Symantec ATP appliances",
		Long: `Pull events from Symantec ATP appliances using the ATP REST API.

Credentials are read from servers.yaml:

  10.0.0.5:
    client_id: "..."
    client_secret: "..."

Every configured appliance is queried in parallel unless -s selects one. Events
are written to <utc time>_<server>.json, one JSON object per line.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.ReadSettings(v, opts.configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, settings, stdout, stderr)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.query, "query", "q", "", "query to run, quote it (required)")
	flags.StringVarP(&opts.server, "server", "s", "", "server to pull from (default: every server in the servers file)")
	flags.IntVarP(&opts.days, "days", "d", 0, "days to go back from the reference time (max 7)")
	flags.IntVarP(&opts.hours, "hours", "H", 0, "hours to go back from the reference time (max 168 with days)")
	flags.StringVarP(&opts.datetime, "datetime", "t", "", "reference time yyyy-mm-dd_hh:mm:ss in UTC (default: now)")
	flags.StringVar(&opts.configFile, "config", "", "settings file (yaml, json or toml)")
	_ = cmd.MarkFlagRequired("query")

	flags.String("servers-file", "servers.yaml", "credentials file")
	flags.String("output-dir", ".", "directory for output files")
	flags.String("log-level", "info", "log level: debug, info, warn, error, disabled")
	flags.Bool("log-pretty", false, "human readable logs instead of JSON")
	flags.Duration("http-timeout", 0, "timeout per HTTP request (0 = no timeout)")
	flags.Bool("insecure-skip-verify", true, "skip TLS certificate verification for appliances with self-signed certificates")
	flags.String("redis-addr", "", "redis address for the token cache (empty disables it)")
	flags.String("pushgateway-url", "", "Prometheus Pushgateway URL for run metrics (empty disables it)")
	bindFlags(v, cmd)

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.AddCommand(newVersionCmd(stdout))

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for key, flag := range map[string]string{
		config.KeyServersFile:        "servers-file",
		config.KeyOutputDir:          "output-dir",
		config.KeyLogLevel:           "log-level",
		config.KeyLogPretty:          "log-pretty",
		config.KeyHTTPTimeout:        "http-timeout",
		config.KeyInsecureSkipVerify: "insecure-skip-verify",
		config.KeyRedisAddr:          "redis-addr",
		config.KeyPushgatewayURL:     "pushgateway-url",
	} {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "atp-events %s\n", version)
		},
	}
}

// run validates the window and credentials before any network call, then
// pulls from every selected server.
func run(ctx context.Context, opts *options, settings config.Settings, stdout, stderr io.Writer) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(settings.LogLevel)
	logCfg.Pretty = settings.LogPretty
	logCfg.Output = stderr
	logging.Setup(logCfg)

	reference := time.Now().UTC()
	if opts.datetime != "" {
		t, err := window.ParseReference(opts.datetime)
		if err != nil {
			return err
		}
		reference = t
	}
	w, err := window.New(reference, opts.days, opts.hours)
	if err != nil {
		return err
	}

	servers, err := config.LoadServers(settings.ServersFile)
	if err != nil {
		return err
	}
	creds, err := servers.Credentials(opts.server)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := logging.NewLogger("atp-events").With().Str("run_id", runID).Logger()

	clientCfg := client.DefaultConfig()
	clientCfg.UserAgent = "atp-events/" + version
	clientCfg.Timeout = settings.HTTPTimeout
	clientCfg.InsecureSkipVerify = settings.InsecureSkipVerify
	if settings.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		defer rdb.Close()
		if tokens := tokenCache(ctx, rdb, logger); tokens != nil {
			clientCfg.Tokens = tokens
		}
	}

	coord := coordinator.New(coordinator.Config{
		Client:     clientCfg,
		Pagination: pagination.DefaultConfig(),
		RunID:      runID,
	}, sink.NewFileSink(settings.OutputDir))

	report := coord.Run(ctx, creds, client.NewQueryRequest(opts.query, w.StartTime(), w.EndTime()))

	if settings.PushgatewayURL != "" {
		if err := metrics.Push(settings.PushgatewayURL, runID); err != nil {
			logger.Warn().Err(err).Msg("Failed to push metrics")
		}
	}

	for _, s := range report.Servers {
		if s.Path != "" {
			fmt.Fprintf(stdout, "%s: %d events written to %s\n", s.Server, s.Events, s.Path)
		}
		if s.Err != nil {
			fmt.Fprintf(stderr, "%v\n", s.Err)
		}
	}

	if !report.OK() {
		return errPullFailed
	}
	fmt.Fprintln(stdout, "COMPLETE")
	return nil
}

// tokenCache returns a Redis token cache, or nil when Redis is unreachable.
// Pulls never depend on the cache.
func tokenCache(ctx context.Context, rdb *redis.Client, logger zerolog.Logger) client.TokenCache {
	manager := cache.NewManager(rdb)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := manager.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("Token cache unavailable, continuing without it")
		return nil
	}
	return manager
}
