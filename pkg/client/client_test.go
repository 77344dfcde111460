package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/squeeze/internal/testutil"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
)

const testUserAgent = "squeeze-test/1.0"

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c, err := New(Config{BaseURL: baseURL, UserAgent: testUserAgent, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"valid config", Config{BaseURL: "http://localhost:1234", UserAgent: testUserAgent}, false},
		{"default base url", Config{UserAgent: testUserAgent}, false},
		{"empty user agent", Config{BaseURL: "http://localhost:1234"}, true},
		{"relative base url", Config{BaseURL: "/api", UserAgent: testUserAgent}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.CompressionCount() != -1 {
				t.Errorf("CompressionCount() = %d before any call, want -1", c.CompressionCount())
			}
		})
	}
}

func TestCompress_Plain(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	source := bytes.Repeat([]byte{0xAB}, 1000)
	result, err := c.Compress(context.Background(), source, &pipeline.Request{}, "key-a")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	if !result.Success {
		t.Error("expected success")
	}
	if result.OriginalSize != 1000 || result.CompressedSize != 500 {
		t.Errorf("sizes = %d/%d, want 1000/500", result.OriginalSize, result.CompressedSize)
	}
	if result.OutputType != "image/png" || result.Extension != "png" {
		t.Errorf("output = %s/%s", result.OutputType, result.Extension)
	}
	if result.SavingsPercent() != 50 {
		t.Errorf("SavingsPercent() = %d, want 50", result.SavingsPercent())
	}
	if c.CompressionCount() != 1 {
		t.Errorf("CompressionCount() = %d, want 1", c.CompressionCount())
	}

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[1].Method != http.MethodGet {
		t.Errorf("empty request fetched output with %s, want GET", calls[1].Method)
	}
	for _, call := range calls {
		if call.Key != "key-a" {
			t.Errorf("call %s used key %q", call.Path, call.Key)
		}
	}
}

func TestCompress_WithSteps(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	req, err := pipeline.Build(pipeline.Options{
		Resize:   &pipeline.ResizeOptions{Method: pipeline.ResizeFit, Width: pipeline.Dim(150), Height: pipeline.Dim(100)},
		Convert:  &pipeline.ConvertOptions{Types: []string{pipeline.TypeWebP}},
		Preserve: []pipeline.MetadataKind{pipeline.MetadataCopyright},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	result, err := c.Compress(context.Background(), make([]byte, 400), req, "key-a")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if result.OutputType != "image/webp" || result.Extension != "webp" {
		t.Errorf("output = %s/%s, want image/webp/webp", result.OutputType, result.Extension)
	}

	calls := mock.Calls()
	if len(calls) != 2 || calls[1].Method != http.MethodPost {
		t.Fatalf("expected shrink followed by POST to output, got %+v", calls)
	}

	// The backend must see the stages in execution order.
	dec := json.NewDecoder(bytes.NewReader(calls[1].Body))
	dec.Token()
	var keys []string
	for dec.More() {
		tok, _ := dec.Token()
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		dec.Decode(&skip)
	}
	want := []string{"resize", "convert", "preserve"}
	if len(keys) != len(want) {
		t.Fatalf("request keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("request keys = %v, want %v", keys, want)
			break
		}
	}
}

func TestCompress_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass ErrorClass
	}{
		{"too many requests", http.StatusTooManyRequests, ErrorClassQuota},
		{"unauthorized", http.StatusUnauthorized, ErrorClassQuota},
		{"bad request", http.StatusBadRequest, ErrorClassInvalidInput},
		{"unsupported media", http.StatusUnsupportedMediaType, ErrorClassInvalidInput},
		{"payload too large", http.StatusRequestEntityTooLarge, ErrorClassInvalidInput},
		{"request timeout", http.StatusRequestTimeout, ErrorClassTransient},
		{"bad gateway", http.StatusBadGateway, ErrorClassTransient},
		{"service unavailable", http.StatusServiceUnavailable, ErrorClassTransient},
		{"gateway timeout", http.StatusGatewayTimeout, ErrorClassTransient},
		{"internal error", http.StatusInternalServerError, ErrorClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockTinify("key-a")
			defer mock.Close()
			mock.FailShrink(tt.status)
			c := newTestClient(t, mock.URL())

			result, err := c.Compress(context.Background(), []byte("image"), nil, "key-a")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if result != nil {
				t.Error("expected nil result on error")
			}

			var ce *CompressionError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a *CompressionError", err)
			}
			if ce.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", ce.Class, tt.wantClass)
			}
			if ce.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", ce.StatusCode, tt.status)
			}
		})
	}
}

func TestCompress_BackendMessage(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()
	mock.Exhaust("key-a")
	c := newTestClient(t, mock.URL())

	_, err := c.Compress(context.Background(), []byte("image"), nil, "key-a")
	if !IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}

	var ce *CompressionError
	errors.As(err, &ce)
	if ce.Message != "TooManyRequests: Your monthly limit has been exceeded" {
		t.Errorf("Message = %q", ce.Message)
	}
}

func TestCompress_EmptySource(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	_, err := c.Compress(context.Background(), nil, nil, "key-a")
	if !errors.Is(err, ErrEmptySource) {
		t.Errorf("error = %v, want ErrEmptySource", err)
	}
	if ClassOf(err) != ErrorClassInvalidInput {
		t.Errorf("class = %s, want invalid_input", ClassOf(err))
	}
	if len(mock.Calls()) != 0 {
		t.Error("empty source must not reach the backend")
	}
}

func TestCompress_MissingLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()
	c := newTestClient(t, server.URL)

	_, err := c.Compress(context.Background(), []byte("image"), nil, "key-a")
	if ClassOf(err) != ErrorClassFatal {
		t.Errorf("class = %s, want fatal (err: %v)", ClassOf(err), err)
	}
}

func TestCompress_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL, UserAgent: testUserAgent, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.Compress(context.Background(), []byte("image"), nil, "key-a")
	if ClassOf(err) != ErrorClassTransient {
		t.Errorf("class = %s, want transient (err: %v)", ClassOf(err), err)
	}
}

func TestCompress_UnreachableBackend(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := newTestClient(t, url)
	_, err := c.Compress(context.Background(), []byte("image"), nil, "key-a")
	if ClassOf(err) != ErrorClassTransient {
		t.Errorf("class = %s, want transient (err: %v)", ClassOf(err), err)
	}
}

type recordedUsage struct {
	mu     sync.Mutex
	counts map[credentials.Credential]int
}

func (r *recordedUsage) Record(_ context.Context, key credentials.Credential, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = count
	return nil
}

func TestCompress_RecordsUsage(t *testing.T) {
	mock := testutil.NewMockTinify("key-a")
	defer mock.Close()

	usage := &recordedUsage{counts: make(map[credentials.Credential]int)}
	c, err := New(Config{BaseURL: mock.URL(), UserAgent: testUserAgent, Usage: usage})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Compress(context.Background(), []byte("image"), nil, "key-a"); err != nil {
			t.Fatalf("Compress() error = %v", err)
		}
	}

	if usage.counts["key-a"] != 3 {
		t.Errorf("recorded count = %d, want 3", usage.counts["key-a"])
	}
}

func TestValidateKey(t *testing.T) {
	mock := testutil.NewMockTinify("good", "spent")
	defer mock.Close()
	mock.Exhaust("spent")
	c := newTestClient(t, mock.URL())

	tests := []struct {
		key  credentials.Credential
		want bool
	}{
		{"good", true},
		{"spent", true},
		{"unknown", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			ok, err := c.ValidateKey(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("ValidateKey() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("ValidateKey(%s) = %v, want %v", tt.key, ok, tt.want)
			}
		})
	}
}

func TestValidateKey_ThroughPool(t *testing.T) {
	mock := testutil.NewMockTinify("good")
	defer mock.Close()
	c := newTestClient(t, mock.URL())

	pool := credentials.NewPool(c)
	if !pool.Validate(context.Background(), "good") {
		t.Error("expected valid key")
	}
	if pool.Validate(context.Background(), "bad") {
		t.Error("expected invalid key")
	}
}
