package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
)

// DefaultWindowCap is the result window enforced by the mock unless changed.
const DefaultWindowCap = 10000

// Fault is a canned response returned instead of evaluating the request.
type Fault struct {
	StatusCode int
	Body       string
	Headers    map[string]string

	// Truncate returns a 200 whose JSON body is cut short.
	Truncate bool
}

// MockSearchAPI is a configurable mock search API server for testing.
type MockSearchAPI struct {
	server  *httptest.Server
	mu      sync.Mutex
	dataset *Dataset

	windowCap int
	faults    []Fault
	requests  []url.Values

	// RejectWindow answers out-of-window requests with 400 when true;
	// otherwise they are silently truncated to the window.
	RejectWindow bool

	// OnRequest, when set, runs before a request is evaluated.
	OnRequest func(params url.Values)
}

// NewMockSearchAPI creates a mock server over dataset.
func NewMockSearchAPI(dataset *Dataset) *MockSearchAPI {
	mock := &MockSearchAPI{
		dataset:      dataset,
		windowCap:    DefaultWindowCap,
		RejectWindow: true,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the query endpoint URL.
func (m *MockSearchAPI) URL() string {
	return m.server.URL + "/v1/query"
}

// Close shuts down the mock server.
func (m *MockSearchAPI) Close() {
	m.server.Close()
}

// SetWindowCap changes the enforced result window.
func (m *MockSearchAPI) SetWindowCap(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowCap = n
}

// QueueFault makes the next request(s) fail in order, one fault per request.
func (m *MockSearchAPI) QueueFault(faults ...Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, faults...)
}

// Requests returns a copy of every request's query parameters.
func (m *MockSearchAPI) Requests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]url.Values, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests served.
func (m *MockSearchAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CountQueries returns how many size=0 requests were issued for q.
func (m *MockSearchAPI) CountQueries(q string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.requests {
		if p.Get("q") == q && p.Get("size") == "0" {
			n++
		}
	}
	return n
}

// MaxWindowRequested returns the largest from+size seen on any request.
func (m *MockSearchAPI) MaxWindowRequested() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, p := range m.requests {
		from, _ := strconv.Atoi(p.Get("from"))
		size, _ := strconv.Atoi(p.Get("size"))
		if from+size > max {
			max = from + size
		}
	}
	return max
}

func (m *MockSearchAPI) handle(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	m.mu.Lock()
	m.requests = append(m.requests, params)
	var fault *Fault
	if len(m.faults) > 0 {
		f := m.faults[0]
		m.faults = m.faults[1:]
		fault = &f
	}
	windowCap := m.windowCap
	hook := m.OnRequest
	m.mu.Unlock()

	if hook != nil {
		hook(params)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if fault != nil {
		for k, v := range fault.Headers {
			w.Header().Set(k, v)
		}
		if fault.Truncate {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"total": 3, "hits": [{"_id": "a"}, {"_id":`))
			return
		}
		w.WriteHeader(fault.StatusCode)
		w.Write([]byte(fault.Body))
		return
	}

	size, _ := strconv.Atoi(params.Get("size"))
	from, _ := strconv.Atoi(params.Get("from"))

	if from+size > windowCap {
		if m.RejectWindow {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "Result window is too large, from + size must be less than or equal to: [` + strconv.Itoa(windowCap) + `]"}`))
			return
		}
		size = windowCap - from
		if size < 0 {
			size = 0
		}
	}

	if facet := params.Get("facets"); facet == "includedInDataCatalog.name" {
		m.writeFacets(w)
		return
	}

	matched := m.dataset.Match(params.Get("q"), params.Get("extra_filter"))
	resp := map[string]any{"total": len(matched)}
	if size > 0 {
		hits := []Record{}
		if from < len(matched) {
			end := from + size
			if end > len(matched) {
				end = len(matched)
			}
			hits = matched[from:end]
		}
		resp["hits"] = hits
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (m *MockSearchAPI) writeFacets(w http.ResponseWriter) {
	counts := m.dataset.Catalogs()
	terms := make([]map[string]any, 0, len(counts))
	total := 0
	for name, count := range counts {
		terms = append(terms, map[string]any{"term": name, "count": count})
		total += count
	}
	sort.Slice(terms, func(i, j int) bool {
		return terms[i]["term"].(string) < terms[j]["term"].(string)
	})

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"total": total,
		"facets": map[string]any{
			"includedInDataCatalog.name": map[string]any{"terms": terms},
		},
	})
}

// NewRateLimitFault creates a 429 fault with a Retry-After header.
func NewRateLimitFault(retryAfter string) Fault {
	return Fault{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers:    map[string]string{"Retry-After": retryAfter},
	}
}

// NewServerErrorFault creates a 5xx fault.
func NewServerErrorFault(status int) Fault {
	return Fault{StatusCode: status, Body: `{"error": "Internal server error"}`}
}

// NewTruncatedFault creates a 200 fault with a cut-off body.
func NewTruncatedFault() Fault {
	return Fault{Truncate: true}
}
