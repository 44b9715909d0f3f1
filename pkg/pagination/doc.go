// Package pagination drives the cursor loop of the ATP events endpoint for a
// single appliance.
//
// The events endpoint returns at most PageSize events per response together
// with the overall match count ("total") and an opaque continuation cursor
// ("next"). The paginator:
//   - issues the first query without a cursor
//   - stops after the first page when total <= PageSize, even if a cursor is present
//   - otherwise follows "next" until it is null, one request per page
//   - replaces the bearer token once and retries when a page is answered with a 4xx
//   - stops on a page without a "next" key (contract violation)
//   - stops before the next request once the context is cancelled
//
// Every failure after the first page has been accepted yields a Result with
// Partial set, so the caller can flush the events retrieved so far before
// reporting the error.
//
// Example usage:
//
//	p := pagination.New(atpClient, pagination.DefaultConfig())
//	res, err := p.Pull(ctx, client.NewQueryRequest(query, start, end))
//	if err == nil || res.Partial {
//		sink.Write(res.Server, res.Events)
//	}
package pagination
