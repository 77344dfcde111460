// Package server exposes batch compression over HTTP. Uploads start a batch
// in the background; progress is streamed over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/squeeze/pkg/batch"
	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/imagefile"
	"github.com/Sternrassler/squeeze/pkg/metrics"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/Sternrassler/squeeze/pkg/quota"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxUploadBytes bounds the multipart form of one batch.
const DefaultMaxUploadBytes = 256 << 20

// UsageLister reports per-key quota usage. *quota.Tracker implements it.
type UsageLister interface {
	All(ctx context.Context, keys []credentials.Credential) ([]*quota.Usage, error)
}

// Config wires the server to its collaborators.
type Config struct {
	Manager *Manager
	Pool    *credentials.Pool

	// Usage is optional; without it /api/keys lists fingerprints only.
	Usage UsageLister

	// Defaults apply when an upload carries no options.
	Defaults pipeline.Options

	// Concurrency is used when an upload does not set one.
	Concurrency int

	MaxUploadBytes int64
}

// Server is the HTTP API.
type Server struct {
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	logger     zerolog.Logger
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ItemView is the API form of one batch item. Compressed bytes are served
// separately.
type ItemView struct {
	Index        int             `json:"index"`
	Name         string          `json:"name"`
	OriginalSize int64           `json:"original_size"`
	Dimensions   string          `json:"dimensions,omitempty"`
	State        batch.ItemState `json:"state"`
}

// BatchView is the API form of a batch.
type BatchView struct {
	ID       string      `json:"id"`
	Created  time.Time   `json:"created"`
	Finished bool        `json:"finished"`
	Items    []ItemView  `json:"items"`
	Stats    batch.Stats `json:"stats"`
	Summary  string      `json:"summary,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// KeyView describes one credential without revealing it.
type KeyView struct {
	Fingerprint string       `json:"fingerprint"`
	Current     bool         `json:"current"`
	Usage       *quota.Usage `json:"usage,omitempty"`
}

// NewServer creates the server and its routes.
func NewServer(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.With().Str("component", "server").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/batches", s.handleCreateBatch).Methods("POST")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/items/{index:[0-9]+}", s.handleGetItem).Methods("GET")
	api.HandleFunc("/batches/{id}/cancel", s.handleCancelBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/keys", s.handleKeys).Methods("GET")

	s.router.HandleFunc("/health", healthHandler).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP API")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down and cancels running batches.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if shutdownErr := s.cfg.Manager.Shutdown(ctx); err == nil {
		err = shutdownErr
	}
	return err
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeError(w, "At least one file is required", http.StatusBadRequest)
		return
	}

	opts := s.cfg.Defaults
	if raw := r.FormValue("options"); raw != "" {
		opts = pipeline.Options{}
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			s.writeError(w, "Invalid options JSON", http.StatusBadRequest)
			return
		}
	}

	concurrency := s.cfg.Concurrency
	if raw := r.FormValue("concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, "Concurrency must be a positive integer", http.StatusBadRequest)
			return
		}
		concurrency = n
	}

	items := make([]*batch.Item, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		items = append(items, batch.NewBytesItem(filepath.Base(fh.Filename), data))
	}

	job, err := s.cfg.Manager.Start(items, opts, concurrency)
	switch {
	case errors.Is(err, pipeline.ErrInvalidOptions):
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, credentials.ErrNoCredential):
		s.writeError(w, "No API key configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Batch started",
		Data: map[string]interface{}{
			"id":    job.ID,
			"total": len(items),
		},
	})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}

	stats, finished, runErr := job.Result()
	if !finished {
		stats = batch.ComputeStats(job.Items)
	}

	view := BatchView{
		ID:       job.ID,
		Created:  job.Created,
		Finished: finished,
		Items:    make([]ItemView, len(job.Items)),
		Stats:    stats,
	}
	if finished {
		view.Summary = stats.Summary()
	}
	if runErr != nil {
		view.Error = runErr.Error()
	}
	for i, item := range job.Items {
		view.Items[i] = itemView(i, item)
	}

	s.writeJSON(w, APIResponse{Success: true, Data: view})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}

	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	if index >= len(job.Items) {
		s.writeError(w, "Item not found", http.StatusNotFound)
		return
	}
	item := job.Items[index]
	st := item.State()
	if st.Status != batch.StatusCompleted {
		s.writeError(w, fmt.Sprintf("Item is %s", st.Status), http.StatusConflict)
		return
	}

	name := strings.TrimSuffix(item.Name, filepath.Ext(item.Name))
	if st.Extension != "" {
		name += "." + st.Extension
	}
	w.Header().Set("Content-Type", st.OutputType)
	w.Header().Set("Content-Length", strconv.Itoa(len(st.CompressedBytes)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := w.Write(st.CompressedBytes); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write item")
	}
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	job.Cancel()

	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Cancellation requested",
	})
}

// handleEvents streams the batch's events: first the history, then live
// events until the batch finishes or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	replay, live, unsubscribe := job.Subscribe()
	defer unsubscribe()

	// Reading is only needed to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range replay {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	for {
		select {
		case e, ok := <-live:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.cfg.Pool.Keys()
	current := s.cfg.Pool.CurrentIndex()

	views := make([]KeyView, len(keys))
	for i, k := range keys {
		views[i] = KeyView{Fingerprint: k.Fingerprint(), Current: i == current}
	}

	if s.cfg.Usage != nil && len(keys) > 0 {
		usage, err := s.cfg.Usage.All(r.Context(), keys)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to load key usage")
		} else {
			for i := range views {
				views[i].Usage = usage[i]
			}
		}
	}

	s.writeJSON(w, APIResponse{Success: true, Data: views})
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	job, err := s.cfg.Manager.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Batch not found", http.StatusNotFound)
		return nil, false
	}
	return job, true
}

func itemView(index int, item *batch.Item) ItemView {
	st := item.State()
	view := ItemView{
		Index:        index,
		Name:         item.Name,
		OriginalSize: item.OriginalSize,
		State:        st,
	}
	if st.Status == batch.StatusCompleted {
		if dims, ok := imagefile.Dimensions(st.CompressedBytes); ok {
			view.Dimensions = dims
		}
	}
	return view
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSONStatus(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}
