// Package coordinator fans a query out to every configured appliance.
//
// Each server runs in its own goroutine: authenticate, pull all pages, write
// the batch. Workers share nothing but the output directory, so one server's
// failure never stops the others. Cancelling the context stops every worker
// before its next request; batches accumulated so far are still written.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/atp-events/pkg/client"
	"github.com/Sternrassler/atp-events/pkg/logging"
	"github.com/Sternrassler/atp-events/pkg/metrics"
	"github.com/Sternrassler/atp-events/pkg/pagination"
	"github.com/Sternrassler/atp-events/pkg/sink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds coordinator configuration.
type Config struct {
	// Client is used for every per-server client.
	Client client.Config

	Pagination pagination.Config

	// RunID tags every log line of the run.
	RunID string
}

// SourceFactory builds the API source for one server.
type SourceFactory func(cred client.ServerCredential, cfg client.Config) (pagination.Source, error)

// Coordinator runs one pull per server.
type Coordinator struct {
	config    Config
	sink      sink.Writer
	newSource SourceFactory
	logger    zerolog.Logger
}

// New creates a coordinator writing batches to w.
func New(cfg Config, w sink.Writer) *Coordinator {
	logger := log.With().Str("component", "coordinator").Logger()
	if cfg.RunID != "" {
		logger = logger.With().Str("run_id", cfg.RunID).Logger()
	}

	return &Coordinator{
		config:    cfg,
		sink:      w,
		newSource: newClientSource,
		logger:    logger,
	}
}

// WithSourceFactory replaces how per-server sources are built.
func (c *Coordinator) WithSourceFactory(fn SourceFactory) *Coordinator {
	c.newSource = fn
	return c
}

func newClientSource(cred client.ServerCredential, cfg client.Config) (pagination.Source, error) {
	return client.New(cred, cfg)
}

// ServerReport is the outcome of one server's pull.
type ServerReport struct {
	Server string

	// Path of the written file, empty when nothing was written.
	Path string

	Events   int
	Total    int
	Partial  bool
	Duration time.Duration

	// Err is nil only when the pull completed and its file was written.
	Err error
}

// OK reports whether the server's pull completed.
func (r ServerReport) OK() bool {
	return r.Err == nil
}

// Outcome returns the metrics outcome label.
func (r ServerReport) Outcome() string {
	switch {
	case r.Err == nil:
		return metrics.OutcomeSuccess
	case r.Partial:
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeFailed
	}
}

// Report aggregates a run. Servers are in credential order.
type Report struct {
	RunID   string
	Servers []ServerReport
}

// OK is true only when every server completed.
func (r *Report) OK() bool {
	for _, s := range r.Servers {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Failed returns the reports of servers that did not complete.
func (r *Report) Failed() []ServerReport {
	var failed []ServerReport
	for _, s := range r.Servers {
		if !s.OK() {
			failed = append(failed, s)
		}
	}
	return failed
}

// Events returns the number of events written across all servers.
func (r *Report) Events() int {
	n := 0
	for _, s := range r.Servers {
		if s.Path != "" {
			n += s.Events
		}
	}
	return n
}

// Run pulls req from every server concurrently and waits for all of them.
func (c *Coordinator) Run(ctx context.Context, creds []client.ServerCredential, req client.QueryRequest) *Report {
	report := &Report{
		RunID:   c.config.RunID,
		Servers: make([]ServerReport, len(creds)),
	}

	c.logger.Info().
		Int("servers", len(creds)).
		Str("start_time", req.StartTime).
		Str("end_time", req.EndTime).
		Msg("Starting pull")

	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred client.ServerCredential) {
			defer wg.Done()
			report.Servers[i] = c.pullServer(ctx, cred, req)
		}(i, cred)
	}
	wg.Wait()

	failed := report.Failed()
	event := c.logger.Info()
	if len(failed) > 0 {
		event = c.logger.Error()
	}
	event.
		Int("servers", len(creds)).
		Int("failed", len(failed)).
		Int("events", report.Events()).
		Msg("Pull finished")

	return report
}

// pullServer is the worker of one server. The batch is written on success and
// on a partial failure, never twice.
func (c *Coordinator) pullServer(ctx context.Context, cred client.ServerCredential, req client.QueryRequest) (rep ServerReport) {
	start := time.Now()
	rep.Server = cred.Server
	logger := logging.ForServer(c.logger, cred.Server)

	defer func() {
		rep.Duration = time.Since(start)
		metrics.PullsTotal.WithLabelValues(rep.Outcome()).Inc()
		metrics.PullDuration.Observe(rep.Duration.Seconds())
	}()

	clientLogger := c.logger.With().Str("component", "atp-client").Logger()
	clientCfg := c.config.Client
	clientCfg.Logger = &clientLogger
	source, err := c.newSource(cred, clientCfg)
	if err != nil {
		rep.Err = client.NewPullError(cred.Server, err)
		logger.Error().Err(err).Msg("Failed to create client")
		return rep
	}

	res, pullErr := pagination.New(source, c.config.Pagination).
		WithLogger(logger.With().Str("component", "paginator").Logger()).
		Pull(ctx, req)

	rep.Events = len(res.Events)
	rep.Total = res.Total
	rep.Partial = res.Partial
	rep.Err = pullErr

	if pullErr != nil && !res.Partial {
		return rep
	}

	path, err := c.sink.Write(cred.Server, res.Events)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to write events")
		rep.Err = errors.Join(pullErr, fmt.Errorf("write events of server %s: %w", cred.Server, err))
		return rep
	}
	rep.Path = path

	if res.Partial {
		logger.Warn().
			Str("path", path).
			Int("events", rep.Events).
			Msg("Partial batch written")
	}
	return rep
}
