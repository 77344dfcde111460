// Package testutil provides testing utilities for the squeeze packages.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Call is one request observed by MockTinify.
type Call struct {
	Method string
	Path   string
	Key    string
	Body   []byte
}

// MockTinify is a configurable in-process compression backend that speaks
// the TinyPNG protocol.
type MockTinify struct {
	server *httptest.Server
	mu     sync.Mutex

	keys    map[string]int // key -> compression count
	limit   int
	ratio   float64
	delay   time.Duration
	outputs map[string][]byte
	nextID  int

	// shrinkStatus forces the next shrink responses to fail.
	shrinkStatus []int

	calls []Call
}

// NewMockTinify creates a mock backend that accepts the given keys.
func NewMockTinify(keys ...string) *MockTinify {
	m := &MockTinify{
		keys:    make(map[string]int),
		limit:   500,
		ratio:   0.5,
		outputs: make(map[string][]byte),
	}
	for _, k := range keys {
		m.keys[k] = 0
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/shrink", m.handleShrink)
	mux.HandleFunc("/output/", m.handleOutput)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server URL.
func (m *MockTinify) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTinify) Close() {
	m.server.Close()
}

// SetRatio sets the compressed/original size ratio of outputs.
func (m *MockTinify) SetRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratio = ratio
}

// SetDelay delays every shrink response.
func (m *MockTinify) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetLimit sets the monthly per-key limit after which shrink answers 429.
func (m *MockTinify) SetLimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
}

// Exhaust marks key as over its monthly limit.
func (m *MockTinify) Exhaust(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = m.limit
}

// FailShrink queues status codes returned by the next shrink calls, in order.
func (m *MockTinify) FailShrink(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shrinkStatus = append(m.shrinkStatus, statuses...)
}

// Calls returns a copy of all observed requests in arrival order.
func (m *MockTinify) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ShrinkKeys returns the key used by every shrink call in arrival order.
func (m *MockTinify) ShrinkKeys() []string {
	var keys []string
	for _, c := range m.Calls() {
		if c.Path == "/shrink" {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// CompressionCount returns the current count for key.
func (m *MockTinify) CompressionCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}

func (m *MockTinify) record(r *http.Request, body []byte) string {
	_, key, _ := r.BasicAuth()
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: r.Method, Path: r.URL.Path, Key: key, Body: body})
	m.mu.Unlock()
	return key
}

func (m *MockTinify) handleShrink(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := m.record(r, body)

	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Use POST")
		return
	}

	m.mu.Lock()
	if len(m.shrinkStatus) > 0 {
		status := m.shrinkStatus[0]
		m.shrinkStatus = m.shrinkStatus[1:]
		m.mu.Unlock()
		writeError(w, status, http.StatusText(status), "Forced failure")
		return
	}

	count, known := m.keys[key]
	if !known {
		m.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Credentials are invalid")
		return
	}
	if count >= m.limit {
		m.mu.Unlock()
		w.Header().Set("Compression-Count", strconv.Itoa(count))
		writeError(w, http.StatusTooManyRequests, "TooManyRequests", "Your monthly limit has been exceeded")
		return
	}
	if len(body) == 0 {
		m.mu.Unlock()
		w.Header().Set("Compression-Count", strconv.Itoa(count))
		writeError(w, http.StatusBadRequest, "InputMissing", "File is empty")
		return
	}

	count++
	m.keys[key] = count
	m.nextID++
	id := strconv.Itoa(m.nextID)
	size := int(float64(len(body)) * m.ratio)
	m.outputs[id] = body[:size]
	m.mu.Unlock()

	w.Header().Set("Location", m.server.URL+"/output/"+id)
	w.Header().Set("Compression-Count", strconv.Itoa(count))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"input":{"size":%d},"output":{"size":%d}}`, len(body), size)
}

func (m *MockTinify) handleOutput(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.record(r, body)

	id := strings.TrimPrefix(r.URL.Path, "/output/")
	m.mu.Lock()
	data, ok := m.outputs[id]
	m.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "Output not found")
		return
	}

	outputType := "image/png"
	if r.Method == http.MethodPost {
		var req struct {
			Convert *struct {
				Type json.RawMessage `json:"type"`
			} `json:"convert"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "Invalid JSON")
			return
		}
		if req.Convert != nil {
			outputType = firstType(req.Convert.Type)
		}
	}

	w.Header().Set("Content-Type", outputType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// firstType picks the output type the mock "chooses" for a convert step.
func firstType(raw json.RawMessage) string {
	var one string
	if json.Unmarshal(raw, &one) == nil {
		if one == "*/*" {
			return "image/webp"
		}
		return one
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
		return many[0]
	}
	return "image/png"
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
