package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/atp-events/pkg/client"
	"github.com/Sternrassler/atp-events/pkg/logging"
	"github.com/Sternrassler/atp-events/pkg/metrics"
	"github.com/rs/zerolog"
)

// Source is the API of one appliance. *client.Client implements it.
type Source interface {
	Server() string
	Token(ctx context.Context) (client.AuthToken, error)
	RefreshToken(ctx context.Context) (client.AuthToken, error)
	Query(ctx context.Context, token client.AuthToken, req client.QueryRequest) (*client.QueryResult, error)
}

// Config holds paginator configuration.
type Config struct {
	// PageSize is the documented page size of the events endpoint. Queries
	// whose total fits in one page are never continued.
	PageSize int

	// ProgressEvery is the number of pages between info-level progress logs.
	ProgressEvery int
}

// DefaultConfig returns the configuration matching the ATP v2 events API.
func DefaultConfig() Config {
	return Config{
		PageSize:      100,
		ProgressEvery: 10,
	}
}

// Result is the EventBatch of one server plus bookkeeping about the pull.
type Result struct {
	Server string

	// Events in the order the appliance returned them, byte-for-byte.
	Events []json.RawMessage

	// Total is the match count reported by the first page.
	Total int

	// Pages counts accepted pages; Requests counts events requests issued.
	Pages    int
	Requests int

	// Reauths counts token refreshes after a rejected page.
	Reauths int

	// Partial is set when the pull failed after events were accepted. The
	// events must still be written.
	Partial bool

	Duration time.Duration
}

// Paginator pulls all pages of one query from one appliance.
type Paginator struct {
	source Source
	config Config
	logger zerolog.Logger
}

// New creates a paginator over source.
func New(source Source, config Config) *Paginator {
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 10
	}

	return &Paginator{
		source: source,
		config: config,
		logger: logging.ForServer(logging.NewLogger("paginator"), source.Server()),
	}
}

// WithLogger replaces the paginator's logger.
func (p *Paginator) WithLogger(logger zerolog.Logger) *Paginator {
	p.logger = logger
	return p
}

// Pull runs req to completion. On error the returned Result is never nil and
// the error is a *client.PullError; Result.Partial tells whether its events
// must be flushed.
func (p *Paginator) Pull(ctx context.Context, req client.QueryRequest) (*Result, error) {
	start := time.Now()
	res := &Result{Server: p.source.Server()}
	defer func() {
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		return res, p.fail(res, fmt.Errorf("%w: %v", client.ErrCancelled, err))
	}

	token, err := p.source.Token(ctx)
	if err != nil {
		return res, p.fail(res, err)
	}

	req.Next = ""
	page, err := p.firstPage(ctx, &token, req, res)
	if err != nil {
		return res, p.fail(res, err)
	}

	res.Total = page.Total
	p.accept(res, page)

	p.logger.Info().
		Int("total", res.Total).
		Int("retrieved", len(res.Events)).
		Msg("Pull started")

	if page.Total <= p.config.PageSize {
		return res, p.finish(res)
	}

	for {
		if !page.HasNext {
			return res, p.fail(res, fmt.Errorf("%w: response has no %q key", client.ErrContractViolation, "next"))
		}
		if page.Exhausted() {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, p.fail(res, fmt.Errorf("%w: %v", client.ErrCancelled, err))
		}

		req.Next = *page.Next
		page, err = p.nextPage(ctx, &token, req, res)
		if err != nil {
			return res, p.fail(res, err)
		}
		if !page.HasNext {
			return res, p.fail(res, fmt.Errorf("%w: page %d has no %q key", client.ErrContractViolation, res.Pages+1, "next"))
		}

		p.accept(res, page)
		p.progress(res, page)
	}

	return res, p.finish(res)
}

// firstPage issues the initial query. A 4xx is only retried when the token
// came from the cache: a freshly issued token being rejected means the query
// itself is bad.
func (p *Paginator) firstPage(ctx context.Context, token *client.AuthToken, req client.QueryRequest, res *Result) (*client.QueryResult, error) {
	res.Requests++
	page, err := p.source.Query(ctx, *token, req)
	if err == nil || !token.Cached || !isTokenRejection(err) {
		return page, err
	}

	p.logger.Warn().Err(err).Msg("Cached token rejected, requesting a new one")
	if err := p.refresh(ctx, token, res); err != nil {
		return nil, err
	}
	res.Requests++
	return p.source.Query(ctx, *token, req)
}

// nextPage issues a continuation query. A 4xx means the token expired: it is
// replaced and the same request is retried exactly once.
func (p *Paginator) nextPage(ctx context.Context, token *client.AuthToken, req client.QueryRequest, res *Result) (*client.QueryResult, error) {
	res.Requests++
	page, err := p.source.Query(ctx, *token, req)
	if err == nil || !isTokenRejection(err) {
		return page, err
	}

	p.logger.Warn().
		Err(err).
		Int("retrieved", len(res.Events)).
		Msg("Page rejected, refreshing token")
	if err := p.refresh(ctx, token, res); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrCancelled, err)
	}
	res.Requests++
	return p.source.Query(ctx, *token, req)
}

func (p *Paginator) refresh(ctx context.Context, token *client.AuthToken, res *Result) error {
	fresh, err := p.source.RefreshToken(ctx)
	if err != nil {
		return err
	}
	*token = fresh
	res.Reauths++
	metrics.ReauthTotal.WithLabelValues(res.Server).Inc()
	return nil
}

func (p *Paginator) accept(res *Result, page *client.QueryResult) {
	res.Events = append(res.Events, page.Result...)
	res.Pages++
	metrics.EventsRetrieved.WithLabelValues(res.Server).Add(float64(len(page.Result)))
}

func (p *Paginator) progress(res *Result, page *client.QueryResult) {
	p.logger.Debug().
		Int("page", res.Pages).
		Int("page_size", len(page.Result)).
		Msg("Page fetched")

	if res.Pages%p.config.ProgressEvery == 0 {
		p.logger.Info().
			Int("retrieved", len(res.Events)).
			Int("total", res.Total).
			Float64("progress_pct", progressPct(len(res.Events), res.Total)).
			Msg("Pull progress")
	}
}

// finish closes a successful pull. The loop ends on the cursor alone, so a
// retrieved count that differs from total is reported here.
func (p *Paginator) finish(res *Result) error {
	if len(res.Events) != res.Total {
		metrics.TotalMismatch.WithLabelValues(res.Server).Inc()
		p.logger.Warn().
			Int("retrieved", len(res.Events)).
			Int("total", res.Total).
			Msg("Retrieved event count differs from reported total")
	}

	p.logger.Info().
		Int("retrieved", len(res.Events)).
		Int("total", res.Total).
		Int("pages", res.Pages).
		Int("requests", res.Requests).
		Msg("Pull complete")
	return nil
}

// fail marks res partial when events were already accepted and wraps err.
func (p *Paginator) fail(res *Result, err error) error {
	res.Partial = res.Pages > 0
	pullErr := client.NewPullError(res.Server, err)

	event := p.logger.Error().
		Err(err).
		Str("error_class", string(pullErr.ErrorClass)).
		Int("retrieved", len(res.Events)).
		Bool("partial", res.Partial)

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		event = event.
			Int("status_code", apiErr.StatusCode).
			Str("api_error", apiErr.Code).
			Str("api_message", apiErr.Message)
	}
	event.Msg("Failed to pull events")

	return pullErr
}

func isTokenRejection(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && client.IsTokenRejection(apiErr.StatusCode)
}

func progressPct(retrieved, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(retrieved) / float64(total) * 100
}
