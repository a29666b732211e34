// Package dashboard serves a run's progress, timing estimates, container
// status and logs over HTTP, plus a live progress stream.
package dashboard

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/progress"
	"github.com/Iron-Ham/devstack/internal/runner"
	"github.com/Iron-Ham/devstack/internal/state"
	"github.com/Iron-Ham/devstack/internal/timing"
)

// DefaultAddr is where the dashboard listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:9999"

const (
	defaultLogTail = 100
	maxLogTail     = 5000
	heartbeat      = 15 * time.Second
)

//go:embed index.html
var indexHTML []byte

// Runtime is the container runtime the dashboard inspects.
type Runtime interface {
	Status(ctx context.Context) (map[string]runner.Container, error)
	Logs(ctx context.Context, unit string, follow bool, tail int, out io.Writer) error
}

// RunHistory lists recently finished runs.
type RunHistory interface {
	RecentRuns(limit int) ([]state.RunRecord, error)
}

// Config wires the dashboard to its data sources. Any source may be nil, in
// which case its routes report it as unavailable.
type Config struct {
	ProgressPath string
	BuildLogPath string
	Catalog      *catalog.Catalog
	Timing       *timing.Store
	Runtime      Runtime
	History      RunHistory
	Metrics      http.Handler
	Logger       *logging.Logger
}

type server struct {
	cfg    Config
	logger *logging.Logger
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns the dashboard's HTTP handler.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &server{cfg: cfg, logger: logger}

	router := chi.NewRouter()
	router.Get("/", s.handleIndex)
	router.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/stream", s.handleProgressStream)
		r.Get("/metrics", s.handleEstimates)
		r.Get("/runs", s.handleRuns)
		r.Get("/status", s.handleStatus)
		r.Get("/logs/{unit}", s.handleLogs)
		r.Get("/build-logs", s.handleBuildLogs)
		r.Get("/build-logs/stream", s.handleBuildLogsStream)
	})
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	return router
}

// Serve runs handler on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiErrorBody{"error": {Code: code, Message: message}})
}

func (s *server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// emptyDocument is served before the first run writes a document.
func emptyDocument() *progress.Document {
	return &progress.Document{
		PhaseOrder: []string{},
		Phases:     map[string]progress.PhaseState{},
		Units:      map[string]progress.UnitState{},
	}
}

func (s *server) readProgress() (*progress.Document, error) {
	if s.cfg.ProgressPath == "" {
		return emptyDocument(), nil
	}
	doc, err := progress.Read(s.cfg.ProgressPath)
	if os.IsNotExist(err) {
		return emptyDocument(), nil
	}
	return doc, err
}

func (s *server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.readProgress()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "progress_unreadable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type streamEvent struct {
	Type string             `json:"type"`
	Data *progress.Document `json:"data"`
}

func writeSSE(w http.ResponseWriter, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleProgressStream pushes the progress document on every change. The
// first document of each run is sent as "new_run", later ones as "update".
func (s *server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ProgressPath == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no progress document configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_not_supported", "response cannot be streamed")
		return
	}
	watcher, err := progress.NewWatcher(s.cfg.ProgressPath, s.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "watch_failed", err.Error())
		return
	}
	watcher.Start()
	defer watcher.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	lastRunID := ""
	first := true
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case doc, ok := <-watcher.Updates():
			if !ok {
				return
			}
			kind := "update"
			if first || doc.RunID != lastRunID {
				kind = "new_run"
			}
			first = false
			lastRunID = doc.RunID
			if err := writeSSE(w, streamEvent{Type: kind, Data: doc}); err != nil {
				return
			}
		}
	}
}

type estimate struct {
	Key        string `json:"key"`
	Phase      string `json:"phase"`
	Op         string `json:"op,omitempty"`
	AverageMS  int64  `json:"average_ms"`
	Display    string `json:"display"`
	Samples    int    `json:"samples"`
	LastMS     int64  `json:"last_ms"`
	LastRecord string `json:"last_recorded_at,omitempty"`
}

func (s *server) handleEstimates(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Retention int        `json:"retention"`
		Estimates []estimate `json:"estimates"`
	}{Estimates: []estimate{}}
	if s.cfg.Timing == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	out.Retention = s.cfg.Timing.Retention()
	for _, key := range s.cfg.Timing.Keys() {
		avg, _ := s.cfg.Timing.Average(key)
		samples := s.cfg.Timing.Samples(key)
		e := estimate{
			Key:       key.String(),
			Phase:     key.Phase,
			Op:        key.Op,
			AverageMS: avg.Milliseconds(),
			Display:   timing.FormatDuration(avg),
			Samples:   len(samples),
		}
		if n := len(samples); n > 0 {
			e.LastMS = samples[n-1].Duration.Milliseconds()
			e.LastRecord = samples[n-1].RecordedAt.UTC().Format(time.RFC3339)
		}
		out.Estimates = append(out.Estimates, e)
	}
	writeJSON(w, http.StatusOK, out)
}

type runJSON struct {
	ID         string `json:"id"`
	Namespace  string `json:"namespace"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
	Requested  int    `json:"requested"`
	Built      int    `json:"built"`
	Running    int    `json:"running"`
	Result     string `json:"result"`
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "run history is not configured")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	runs, err := s.cfg.History.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_unreadable", err.Error())
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON{
			ID:         run.ID,
			Namespace:  run.Namespace,
			StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
			DurationMS: run.Duration.Milliseconds(),
			Requested:  run.Requested,
			Built:      run.Built,
			Running:    run.Running,
			Result:     run.Result,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

type serviceJSON struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Port    int    `json:"port,omitempty"`
	Running bool   `json:"running"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Health  string `json:"health,omitempty"`
}

// handleStatus merges the catalog with live container state. Containers the
// catalog does not declare are listed with kind "container".
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "container runtime is not configured")
		return
	}
	containers, err := s.cfg.Runtime.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "runtime_error", err.Error())
		return
	}

	services := map[string]serviceJSON{}
	if s.cfg.Catalog != nil {
		for _, u := range s.cfg.Catalog.Units() {
			services[u.Name] = serviceJSON{Name: u.Name, Kind: u.Kind, Port: u.Port, State: "not started", Status: "not started"}
		}
	}
	for name, c := range containers {
		svc, ok := services[name]
		if !ok {
			svc = serviceJSON{Name: name, Kind: "container"}
		}
		svc.Running = c.Running()
		svc.State = c.State
		svc.Status = c.Status
		svc.Health = c.Health
		services[name] = svc
	}

	list := make([]serviceJSON, 0, len(services))
	for _, svc := range services {
		list = append(list, svc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{
		"services":  list,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "container runtime is not configured")
		return
	}
	unit := chi.URLParam(r, "unit")
	if s.cfg.Catalog != nil {
		if _, ok := s.cfg.Catalog.Get(unit); !ok {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown unit %q", unit))
			return
		}
	}
	tail := defaultLogTail
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLogTail {
			writeError(w, http.StatusBadRequest, "invalid_tail", fmt.Sprintf("tail must be between 1 and %d", maxLogTail))
			return
		}
		tail = parsed
	}

	var buf bytes.Buffer
	if err := s.cfg.Runtime.Logs(r.Context(), unit, false, tail, &buf); err != nil {
		writeError(w, http.StatusBadGateway, "runtime_error", err.Error())
		return
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if buf.Len() == 0 {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit":      unit,
		"logs":      lines,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
