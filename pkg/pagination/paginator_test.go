package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Sternrassler/atp-events/internal/testutil"
	"github.com/Sternrassler/atp-events/pkg/client"
	"github.com/Sternrassler/atp-events/pkg/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	page *client.QueryResult
	err  error
}

// fakeSource answers queries from a script, one step per request.
type fakeSource struct {
	server     string
	steps      []step
	cached     bool
	tokenErr   error
	refreshErr error

	queries      []client.QueryRequest
	tokensUsed   []string
	tokenCalls   int
	refreshCalls int
}

func (f *fakeSource) Server() string { return f.server }

func (f *fakeSource) Token(ctx context.Context) (client.AuthToken, error) {
	f.tokenCalls++
	if f.tokenErr != nil {
		return client.AuthToken{}, f.tokenErr
	}
	return client.AuthToken{AccessToken: "tok-0", Cached: f.cached}, nil
}

func (f *fakeSource) RefreshToken(ctx context.Context) (client.AuthToken, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return client.AuthToken{}, f.refreshErr
	}
	return client.AuthToken{AccessToken: fmt.Sprintf("tok-%d", f.refreshCalls)}, nil
}

func (f *fakeSource) Query(ctx context.Context, token client.AuthToken, req client.QueryRequest) (*client.QueryResult, error) {
	f.queries = append(f.queries, req)
	f.tokensUsed = append(f.tokensUsed, token.AccessToken)
	n := len(f.queries)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", client.ErrCancelled, err)
	}
	if n > len(f.steps) {
		return nil, errors.New("unexpected request")
	}
	s := f.steps[n-1]
	return s.page, s.err
}

// page builds a result with n events numbered from offset.
func page(total, offset, n int, next *string) step {
	events := make([]json.RawMessage, 0, n)
	for i := offset; i < offset+n; i++ {
		events = append(events, json.RawMessage(fmt.Sprintf(`{"uuid":"evt-%05d"}`, i)))
	}
	return step{page: &client.QueryResult{Total: total, Result: events, Next: next, HasNext: true}}
}

func withoutNext(s step) step {
	s.page.HasNext = false
	s.page.Next = nil
	return s
}

func unauthorized() step {
	return step{err: &client.APIError{StatusCode: http.StatusUnauthorized, ErrorClass: client.ErrorClassClient}}
}

func cursor(s string) *string { return &s }

func newTestPaginator(src *fakeSource) *Paginator {
	return New(src, DefaultConfig())
}

func TestPull_SinglePage(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		// The cursor must be ignored when total fits in one page.
		steps: []step{page(40, 0, 40, cursor("ignored"))},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 40)
	assert.Equal(t, 40, res.Total)
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, src.queries, 1)
	assert.False(t, res.Partial)
}

func TestPull_ExactlyOnePageSize(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps:  []step{page(100, 0, 100, cursor("c1"))},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 100)
	assert.Len(t, src.queries, 1)
}

func TestPull_FollowsCursorUntilNull(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			page(250, 100, 100, cursor("c2")),
			page(250, 200, 50, nil),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 250)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 3, res.Requests)
	require.Len(t, src.queries, 3)
	assert.Equal(t, "", src.queries[0].Next)
	assert.Equal(t, "c1", src.queries[1].Next)
	assert.Equal(t, "c2", src.queries[2].Next)

	for i, raw := range res.Events {
		assert.JSONEq(t, fmt.Sprintf(`{"uuid":"evt-%05d"}`, i), string(raw))
	}
}

func TestPull_RefreshesTokenOnceOn4xx(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			unauthorized(),
			page(250, 100, 100, cursor("c2")),
			page(250, 200, 50, nil),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 250)
	assert.Equal(t, 1, src.refreshCalls)
	assert.Equal(t, 1, res.Reauths)
	assert.Equal(t, []string{"tok-0", "tok-0", "tok-1", "tok-1"}, src.tokensUsed)
	assert.Equal(t, "c1", src.queries[1].Next)
	assert.Equal(t, "c1", src.queries[2].Next, "retry must repeat the rejected request")
}

func TestPull_RetryRejectedAgainIsPartial(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			unauthorized(),
			unauthorized(),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 100)
	assert.Equal(t, 1, src.refreshCalls)
	assert.Equal(t, client.ErrorClassClient, client.Classify(err))
}

func TestPull_RefreshFailureIsPartial(t *testing.T) {
	src := &fakeSource{
		server:     "a.example.com",
		refreshErr: &client.AuthError{Server: "a.example.com", StatusCode: 503, Err: errors.New("down")},
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			unauthorized(),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 100)
	assert.Equal(t, client.ErrorClassAuth, client.Classify(err))
}

func TestPull_MissingCursorKeyFlushesPreviousPages(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(300, 0, 100, cursor("c1")),
			page(300, 100, 100, cursor("c2")),
			withoutNext(page(300, 200, 100, nil)),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.ErrorIs(t, err, client.ErrContractViolation)
	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 200)
	assert.Equal(t, 2, res.Pages)
}

func TestPull_FirstPageWithoutCursorKey(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps:  []step{withoutNext(page(300, 0, 100, nil))},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.ErrorIs(t, err, client.ErrContractViolation)
	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 100)
	assert.Len(t, src.queries, 1)
}

func TestPull_SinglePageWithoutCursorKeyIsFine(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps:  []step{withoutNext(page(3, 0, 3, nil))},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)
	assert.Len(t, res.Events, 3)
}

func TestPull_EmptyCursorEndsPull(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(150, 0, 100, cursor("c1")),
			page(150, 100, 50, cursor("")),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 150)
	assert.Len(t, src.queries, 2, "an empty cursor is never sent back")
}

func TestPull_MalformedContinuationPage(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			{err: fmt.Errorf("%w: missing key %q", client.ErrContractViolation, "result")},
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 100)
	assert.Equal(t, client.ErrorClassContract, client.Classify(err))
}

func TestPull_CancelledMidLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(400, 0, 100, cursor("c1")),
			page(400, 100, 100, cursor("c2")),
			page(400, 200, 100, cursor("c3")),
			page(400, 300, 100, nil),
		},
	}
	wrapped := &cancelAfter{fakeSource: src, after: 2, cancel: cancel}

	res, err := New(wrapped, DefaultConfig()).Pull(ctx, client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.ErrorIs(t, err, client.ErrCancelled)
	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 200)
	assert.Len(t, src.queries, 2, "no request may be issued after cancellation")
}

// cancelAfter cancels the run once the given request has been answered.
type cancelAfter struct {
	*fakeSource
	after  int
	cancel context.CancelFunc
}

func (c *cancelAfter) Query(ctx context.Context, token client.AuthToken, req client.QueryRequest) (*client.QueryResult, error) {
	res, err := c.fakeSource.Query(ctx, token, req)
	if len(c.fakeSource.queries) == c.after {
		c.cancel()
	}
	return res, err
}

func TestPull_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{server: "a.example.com"}

	res, err := newTestPaginator(src).Pull(ctx, client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.ErrorIs(t, err, client.ErrCancelled)
	assert.False(t, res.Partial)
	assert.Zero(t, src.tokenCalls)
}

func TestPull_InitialQueryRejected(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{{err: &client.APIError{
			StatusCode: 400,
			ErrorClass: client.ErrorClassClient,
			Code:       "invalid_query",
			Message:    "bad syntax",
		}}},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	var pullErr *client.PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "a.example.com", pullErr.Server)
	assert.False(t, res.Partial)
	assert.Empty(t, res.Events)
	assert.Zero(t, src.refreshCalls, "a fresh token is not refreshed on the first page")
}

func TestPull_CachedTokenRejectedOnFirstPage(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		cached: true,
		steps: []step{
			unauthorized(),
			page(10, 0, 10, nil),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 10)
	assert.Equal(t, 1, src.refreshCalls)
	assert.Equal(t, []string{"tok-0", "tok-1"}, src.tokensUsed)
}

func TestPull_AuthFailure(t *testing.T) {
	src := &fakeSource{
		server:   "a.example.com",
		tokenErr: &client.AuthError{Server: "a.example.com", StatusCode: 401, Err: errors.New("rejected")},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.Equal(t, client.ErrorClassAuth, client.Classify(err))
	assert.False(t, res.Partial)
	assert.Empty(t, src.queries)
}

func TestPull_NetworkFailureMidLoop(t *testing.T) {
	src := &fakeSource{
		server: "a.example.com",
		steps: []step{
			page(250, 0, 100, cursor("c1")),
			{err: errors.New("connection reset by peer")},
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.Error(t, err)

	assert.True(t, res.Partial)
	assert.Len(t, res.Events, 100)
	assert.Equal(t, client.ErrorClassNetwork, client.Classify(err))
	assert.Zero(t, src.refreshCalls)
}

func TestPull_TotalMismatchIsReported(t *testing.T) {
	server := "mismatch.example.com"
	before := promtest.ToFloat64(metrics.TotalMismatch.WithLabelValues(server))

	src := &fakeSource{
		server: server,
		steps: []step{
			page(150, 0, 100, cursor("c1")),
			page(150, 100, 30, nil),
		},
	}

	res, err := newTestPaginator(src).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 130)
	after := promtest.ToFloat64(metrics.TotalMismatch.WithLabelValues(server))
	assert.Equal(t, float64(1), after-before)
}

func TestPull_OverHTTP(t *testing.T) {
	mock := testutil.NewMockATP()
	defer mock.Close()
	mock.SetPages(
		testutil.Page{Total: 250, Events: testutil.Events(0, 100), Next: testutil.Cursor("c1")},
		testutil.UnauthorizedPage(),
		testutil.Page{Total: 250, Events: testutil.Events(100, 100), Next: testutil.Cursor("c2")},
		testutil.Page{Total: 250, Events: testutil.Events(200, 50)},
	)

	c, err := client.New(client.ServerCredential{Server: mock.Server(), EncodedAuth: mock.EncodedAuth()}, client.DefaultConfig())
	require.NoError(t, err)

	res, err := New(c, DefaultConfig()).Pull(context.Background(), client.NewQueryRequest("*", "s", "e"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 250)
	assert.Equal(t, 2, mock.GetTokenRequests())

	queries := mock.GetQueries()
	require.Len(t, queries, 4)
	assert.Equal(t, "Bearer "+testutil.TokenValue(1), queries[1].Authorization)
	assert.Equal(t, "Bearer "+testutil.TokenValue(2), queries[2].Authorization)
	assert.Equal(t, "c1", queries[2].Next)
}

func TestProgressPct(t *testing.T) {
	assert.Equal(t, float64(50), progressPct(50, 100))
	assert.Equal(t, float64(100), progressPct(0, 0))
}
