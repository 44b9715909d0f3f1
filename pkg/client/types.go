package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ServerCredential identifies one ATP appliance and its API client credentials.
type ServerCredential struct {
	// Server is the appliance host name or IP, optionally with a port.
	Server string

	// EncodedAuth is base64(client_id:client_secret), sent as HTTP Basic auth.
	EncodedAuth string
}

// NewServerCredential encodes a client id and secret for server.
func NewServerCredential(server, clientID, clientSecret string) ServerCredential {
	return ServerCredential{
		Server:      server,
		EncodedAuth: base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret)),
	}
}

// AuthToken is a bearer token from the token endpoint. It is treated as valid
// until a request using it is rejected.
type AuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`

	// Cached is set when the token was served from the token cache.
	Cached bool `json:"-"`
}

// QueryRequest is the body of an events query. Only Next changes between pages.
type QueryRequest struct {
	Verb      string `json:"verb"`
	Query     string `json:"query"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Next      string `json:"next,omitempty"`
}

// NewQueryRequest builds the first-page request for a query and time window.
func NewQueryRequest(query, startTime, endTime string) QueryRequest {
	return QueryRequest{
		Verb:      "query",
		Query:     query,
		StartTime: startTime,
		EndTime:   endTime,
	}
}

// QueryResult is one page returned by the events endpoint.
type QueryResult struct {
	// Total is the number of events matching the query across all pages.
	Total int

	// Result holds the events of this page exactly as the appliance sent them.
	Result []json.RawMessage

	// Next is the continuation cursor, nil when absent or null.
	Next *string

	// HasNext reports whether the "next" key was present at all (even as null).
	HasNext bool
}

// Exhausted reports whether no further page can be requested.
func (r *QueryResult) Exhausted() bool {
	return r.Next == nil || *r.Next == ""
}

// decodeQueryResult parses an events response body. Missing "total" or
// "result" keys are contract violations; a missing "next" is recorded in
// HasNext and left for the caller to judge.
func decodeQueryResult(body []byte) (*QueryResult, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode events response: %v", ErrContractViolation, err)
	}

	totalRaw, ok := raw["total"]
	if !ok {
		return nil, fmt.Errorf("%w: missing key %q", ErrContractViolation, "total")
	}
	total, err := parseTotal(totalRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractViolation, err)
	}

	resultRaw, ok := raw["result"]
	if !ok {
		return nil, fmt.Errorf("%w: missing key %q", ErrContractViolation, "result")
	}
	var events []json.RawMessage
	if err := json.Unmarshal(resultRaw, &events); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", ErrContractViolation, err)
	}

	res := &QueryResult{Total: total, Result: events}
	if nextRaw, ok := raw["next"]; ok {
		res.HasNext = true
		var next *string
		if err := json.Unmarshal(nextRaw, &next); err != nil {
			return nil, fmt.Errorf("%w: decode next: %v", ErrContractViolation, err)
		}
		res.Next = next
	}

	return res, nil
}

// parseTotal accepts the count as a JSON number or a numeric string.
func parseTotal(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("total is not a number: %s", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("total is not a number: %q", s)
	}
	return n, nil
}
