package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/client"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/Sternrassler/squeeze/pkg/quota"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedBackend halves every image. When release is set it blocks until the
// channel is closed; started receives one value per call.
type gatedBackend struct {
	started chan struct{}
	release chan struct{}
	failOn  string
}

func (g *gatedBackend) Compress(_ context.Context, source []byte, _ *pipeline.Request, _ credentials.Credential) (*client.Result, error) {
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if g.failOn != "" && string(source) == g.failOn {
		return nil, &client.CompressionError{Class: client.ErrorClassInvalidInput, StatusCode: 415, Message: "unsupported"}
	}
	data := source[:len(source)/2]
	return &client.Result{
		Success:        true,
		OriginalSize:   int64(len(source)),
		CompressedSize: int64(len(data)),
		Data:           data,
		OutputType:     "image/webp",
		Extension:      "webp",
	}, nil
}

type fakeUsage struct{}

func (fakeUsage) All(_ context.Context, keys []credentials.Credential) ([]*quota.Usage, error) {
	out := make([]*quota.Usage, len(keys))
	for i, k := range keys {
		out[i] = &quota.Usage{Fingerprint: k.Fingerprint(), Count: 10 * (i + 1), Limit: quota.MonthlyFreeLimit}
	}
	return out, nil
}

func newTestServer(t *testing.T, backend *gatedBackend, keys ...string) (*Server, *Manager) {
	t.Helper()
	pool := credentials.NewPoolFromState(credentials.State{Keys: keys, AutoRotate: true}, nil)
	manager := NewManager(batch.New(backend, pool), pool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	srv := NewServer(Config{
		Manager: manager,
		Pool:    pool,
		Usage:   fakeUsage{},
	})
	return srv, manager
}

func upload(t *testing.T, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/batches", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) APIResponse {
	t.Helper()
	var raw struct {
		APIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if data != nil {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.APIResponse
}

func startBatch(t *testing.T, srv *Server, files map[string]string, fields map[string]string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, upload(t, files, fields))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var data struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	resp := decode(t, rec, &data)
	require.True(t, resp.Success)
	require.NotEmpty(t, data.ID)
	require.Equal(t, len(files), data.Total)
	return data.ID
}

func waitDone(t *testing.T, m *Manager, id string) {
	t.Helper()
	job, err := m.Get(id)
	require.NoError(t, err)
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &gatedBackend{}, "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &gatedBackend{}, "k")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "squeeze_server_batches_started_total")
}

func TestBatchLifecycle(t *testing.T) {
	srv, manager := newTestServer(t, &gatedBackend{failOn: "bad!"}, "k")
	id := startBatch(t, srv, map[string]string{
		"a.png": "aaaaaaaa",
		"b.png": "bad!",
	}, map[string]string{"concurrency": "2"})
	waitDone(t, manager, id)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view BatchView
	decode(t, rec, &view)
	assert.Equal(t, id, view.ID)
	assert.True(t, view.Finished)
	assert.Equal(t, 2, view.Stats.Total)
	assert.Equal(t, 1, view.Stats.Completed)
	assert.Equal(t, 1, view.Stats.Failed)
	assert.Equal(t, "Compression completed: 1 succeeded, 1 failed", view.Summary)
	require.Len(t, view.Items, 2)

	okIndex, badIndex := -1, -1
	for _, item := range view.Items {
		switch item.Name {
		case "a.png":
			okIndex = item.Index
			assert.Equal(t, batch.StatusCompleted, item.State.Status)
			assert.Equal(t, int64(4), item.State.CompressedSize)
		case "b.png":
			badIndex = item.Index
			assert.Equal(t, batch.StatusFailed, item.State.Status)
			assert.Equal(t, "unsupported (HTTP 415)", item.State.ErrorMessage)
			assert.Equal(t, client.ErrorClassInvalidInput, item.State.ErrorClass)
		}
	}
	require.NotEqual(t, -1, okIndex)
	require.NotEqual(t, -1, badIndex)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/"+id+"/items/"+strconv.Itoa(okIndex), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="a.webp"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "aaaa", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/"+id+"/items/"+strconv.Itoa(badIndex), nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/"+id+"/items/7", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBatch_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		keys   []string
		files  map[string]string
		fields map[string]string
		status int
	}{
		{"no files", []string{"k"}, nil, nil, http.StatusBadRequest},
		{"broken options", []string{"k"}, map[string]string{"a.png": "x"}, map[string]string{"options": "{"}, http.StatusBadRequest},
		{"invalid options", []string{"k"}, map[string]string{"a.png": "x"}, map[string]string{"options": `{"resize":{"method":"stretch","width":10}}`}, http.StatusBadRequest},
		{"bad concurrency", []string{"k"}, map[string]string{"a.png": "x"}, map[string]string{"concurrency": "0"}, http.StatusBadRequest},
		{"no keys", nil, map[string]string{"a.png": "x"}, nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &gatedBackend{}, tt.keys...)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, upload(t, tt.files, tt.fields))

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode(t, rec, nil)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestUnknownBatch(t *testing.T) {
	srv, _ := newTestServer(t, &gatedBackend{}, "k")
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/batches/nope", nil),
		httptest.NewRequest(http.MethodGet, "/api/batches/nope/items/0", nil),
		httptest.NewRequest(http.MethodPost, "/api/batches/nope/cancel", nil),
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, req.URL.Path)
	}
}

func TestCancelBatch(t *testing.T) {
	backend := &gatedBackend{started: make(chan struct{}, 8), release: make(chan struct{})}
	srv, manager := newTestServer(t, backend, "k")
	id := startBatch(t, srv, map[string]string{
		"a.png": "aaaa",
		"b.png": "bbbb",
		"c.png": "cccc",
	}, map[string]string{"concurrency": "1"})

	<-backend.started

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches/"+id+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	close(backend.release)
	waitDone(t, manager, id)

	job, err := manager.Get(id)
	require.NoError(t, err)
	stats, finished, runErr := job.Result()
	require.True(t, finished)
	require.NoError(t, runErr)
	assert.Equal(t, 1, stats.Completed, "in-flight item finishes")
	assert.Equal(t, 2, stats.Skipped)
}

func readEvents(t *testing.T, conn *websocket.Conn) []Event {
	t.Helper()
	var events []Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return events
		}
		events = append(events, e)
	}
}

func TestEvents_LiveStream(t *testing.T) {
	backend := &gatedBackend{release: make(chan struct{})}
	srv, _ := newTestServer(t, backend, "k")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := startBatch(t, srv, map[string]string{
		"a.png": "aaaa",
		"b.png": "bbbb",
		"c.png": "cccc",
	}, map[string]string{"concurrency": "2"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/batches/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(backend.release)
	events := readEvents(t, conn)

	require.Len(t, events, 4)
	for i, e := range events[:3] {
		assert.Equal(t, EventProgress, e.Type)
		require.NotNil(t, e.Item)
		assert.Equal(t, i+1, e.Item.Done)
		assert.Equal(t, 3, e.Item.Total)
		assert.Equal(t, batch.StatusCompleted, e.Item.Status)
	}
	last := events[3]
	assert.Equal(t, EventFinished, last.Type)
	require.NotNil(t, last.Stats)
	assert.Equal(t, 3, last.Stats.Completed)
	assert.Equal(t, "Successfully compressed 3 images", last.Summary)
}

func TestEvents_ReplayAfterFinish(t *testing.T) {
	srv, manager := newTestServer(t, &gatedBackend{}, "k")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	id := startBatch(t, srv, map[string]string{"a.png": "aaaa", "b.png": "bb"}, nil)
	waitDone(t, manager, id)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/batches/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	events := readEvents(t, conn)
	require.Len(t, events, 3)
	assert.Equal(t, EventFinished, events[2].Type)
}

func TestKeys(t *testing.T) {
	srv, _ := newTestServer(t, &gatedBackend{}, "key-one", "key-two")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/keys", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var keys []KeyView
	decode(t, rec, &keys)
	require.Len(t, keys, 2)
	assert.Equal(t, credentials.Credential("key-one").Fingerprint(), keys[0].Fingerprint)
	assert.True(t, keys[0].Current)
	assert.False(t, keys[1].Current)
	require.NotNil(t, keys[1].Usage)
	assert.Equal(t, 20, keys[1].Usage.Count)
	assert.NotContains(t, rec.Body.String(), "key-one")
}

func TestSubscribe_UnsubscribeBeforeFinish(t *testing.T) {
	job := newJob([]*batch.Item{batch.NewBytesItem("a.png", []byte("a"))}, func() {})
	_, live, unsubscribe := job.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-live
	assert.False(t, ok)

	job.finish(batch.Stats{Total: 1}, nil)
	replay, live, _ := job.Subscribe()
	require.Len(t, replay, 1)
	_, ok = <-live
	assert.False(t, ok)
}
