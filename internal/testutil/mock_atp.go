// Package testutil provides a scriptable mock ATP appliance for tests.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Test client credentials accepted by the default token handler.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// Page scripts one response of the events endpoint.
type Page struct {
	// StatusCode defaults to 200.
	StatusCode int

	// Total is reported as "total".
	Total int

	// Events are returned as "result".
	Events []map[string]any

	// Next is the cursor; nil is sent as JSON null unless OmitNext is set.
	Next *string

	// OmitNext drops the "next" key from the body.
	OmitNext bool

	// Body, when set, is written verbatim instead of the fields above.
	Body string

	// Delay before answering.
	Delay time.Duration
}

// RecordedQuery is an events request as seen by the mock.
type RecordedQuery struct {
	Authorization string
	Verb          string `json:"verb"`
	Query         string `json:"query"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Next          string `json:"next"`
}

// MockATP is a TLS mock of the ATP token and events endpoints.
// Events responses are served from the scripted pages in order; once the
// script is exhausted the last page is repeated.
type MockATP struct {
	server *httptest.Server
	mu     sync.Mutex

	pages         []Page
	tokenStatus   int
	tokenLifetime int
	onQuery       func(n int)

	TokenRequests int
	Queries       []RecordedQuery
}

// NewMockATP starts a mock appliance with no scripted pages.
func NewMockATP() *MockATP {
	mock := &MockATP{tokenStatus: http.StatusOK, tokenLifetime: 900}

	mux := http.NewServeMux()
	mux.HandleFunc("/atpapi/oauth2/tokens", mock.handleToken)
	mux.HandleFunc("/atpapi/v2/events", mock.handleEvents)
	mock.server = httptest.NewTLSServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockATP) URL() string {
	return m.server.URL
}

// Server returns host:port, the form used in servers.yaml.
func (m *MockATP) Server() string {
	return strings.TrimPrefix(m.server.URL, "https://")
}

// EncodedAuth returns base64(ClientID:ClientSecret).
func (m *MockATP) EncodedAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(ClientID + ":" + ClientSecret))
}

// Close shuts down the mock server.
func (m *MockATP) Close() {
	m.server.Close()
}

// SetPages replaces the scripted events responses.
func (m *MockATP) SetPages(pages ...Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// SetTokenStatus makes the token endpoint answer with status.
func (m *MockATP) SetTokenStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenStatus = status
}

// SetTokenLifetime sets the expires_in value of issued tokens.
func (m *MockATP) SetTokenLifetime(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenLifetime = seconds
}

// OnQuery registers a hook called with the 1-based index of every events request
// before it is answered.
func (m *MockATP) OnQuery(fn func(n int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuery = fn
}

// GetTokenRequests returns the number of token requests.
func (m *MockATP) GetTokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenRequests
}

// GetQueries returns a copy of the recorded events requests.
func (m *MockATP) GetQueries() []RecordedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedQuery(nil), m.Queries...)
}

func (m *MockATP) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenRequests++
	n := m.TokenRequests
	status := m.tokenStatus
	lifetime := m.tokenLifetime
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Basic "+m.EncodedAuth() {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client","message":"bad client credentials"}`))
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("scope") != "customer" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","message":"bad grant"}`))
		return
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"unavailable","message":"token service down"}`))
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"access_token": TokenValue(n),
		"token_type":   "bearer",
		"expires_in":   lifetime,
	})
}

func (m *MockATP) handleEvents(w http.ResponseWriter, r *http.Request) {
	var rec RecordedQuery
	_ = json.NewDecoder(r.Body).Decode(&rec)
	rec.Authorization = r.Header.Get("Authorization")

	m.mu.Lock()
	m.Queries = append(m.Queries, rec)
	n := len(m.Queries)
	hook := m.onQuery
	var page Page
	if len(m.pages) > 0 {
		idx := n - 1
		if idx >= len(m.pages) {
			idx = len(m.pages) - 1
		}
		page = m.pages[idx]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if page.Delay > 0 {
		select {
		case <-time.After(page.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := page.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if page.Body != "" {
		w.Write([]byte(page.Body))
		return
	}

	body := map[string]any{
		"total":  page.Total,
		"result": page.Events,
	}
	if page.Events == nil {
		body["result"] = []map[string]any{}
	}
	if !page.OmitNext {
		body["next"] = page.Next
	}
	json.NewEncoder(w).Encode(body)
}

// TokenValue is the access token issued by the n-th token request.
func TokenValue(n int) string {
	return fmt.Sprintf("token-%d", n)
}

// Cursor returns a pointer to s, for Page.Next.
func Cursor(s string) *string {
	return &s
}

// Events generates n distinct event objects numbered from offset.
func Events(offset, n int) []map[string]any {
	events := make([]map[string]any, 0, n)
	for i := offset; i < offset+n; i++ {
		events = append(events, map[string]any{
			"uuid":      fmt.Sprintf("evt-%05d", i),
			"type_id":   4096 + i%3,
			"device_ip": fmt.Sprintf("10.0.%d.%d", i/250, i%250+1),
			"log_time":  "2026-10-16T12:00:00.000Z",
			"data": map[string]any{
				"sep_domain_name": "Default",
				"severity_id":     i%5 + 1,
			},
		})
	}
	return events
}

// UnauthorizedPage is a 401 events response, as sent for an expired token.
func UnauthorizedPage() Page {
	return Page{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"unauthorized","message":"token expired"}`,
	}
}

// ErrorPage is a failed events response carrying the appliance's error detail.
func ErrorPage(status int, code, message string) Page {
	b, _ := json.Marshal(map[string]string{"error": code, "message": message})
	return Page{StatusCode: status, Body: string(b)}
}
