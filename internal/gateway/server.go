// Package gateway is the dashboard-facing HTTP surface: violation ingestion,
// the live subscription channel, run control and read-only queries.
package gateway

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"strconv"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/metrics"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/Capitan-Parrot/parking-violation-system/internal/runner"
	"github.com/Capitan-Parrot/parking-violation-system/internal/sink"
	"github.com/Capitan-Parrot/parking-violation-system/internal/zones"
	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RunController starts and stops detection runs
type RunController interface {
	Start(ctx context.Context, cmd models.RunCommand) (models.RunStatus, error)
	Stop(ctx context.Context, runID string) (models.RunStatus, error)
	Status() models.RunStatus
	Preview() image.Image
}

// ViolationQuery lists stored violations, newest first
type ViolationQuery interface {
	ListViolations(ctx context.Context, limit int) ([]models.ViolationRecord, error)
}

type Options struct {
	// OutputDir holds snapshots/ and logs/ and is served under /output/
	OutputDir string
	// Query is used by GET /violations when set, otherwise the record files are read
	Query   ViolationQuery
	Metrics *metrics.Metrics
	// Requests per minute per client IP on run control and subscription routes
	RateLimit int
}

const defaultViolationLimit = 50

type Server struct {
	log  logs.Log
	hub  *Hub
	runs RunController
	opt  Options

	router *mux.Router
}

func NewServer(log logs.Log, runs RunController, opt Options) *Server {
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	if opt.RateLimit == 0 {
		opt.RateLimit = 60
	}
	s := &Server{
		log:  log,
		runs: runs,
		opt:  opt,
	}
	s.hub = NewHub(log, opt.Metrics, runs.Status)
	s.routes()
	return s
}

func (s *Server) routes() {
	limited := httprate.Limit(s.opt.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	r := mux.NewRouter()
	r.HandleFunc("/violation", s.ingestViolation).Methods("POST")
	r.Handle("/ws", limited(http.HandlerFunc(s.subscribe))).Methods("GET")
	r.HandleFunc("/status", s.getStatus).Methods("GET")
	r.Handle("/runs", limited(http.HandlerFunc(s.startRun))).Methods("POST")
	r.Handle("/runs/{run_id}/stop", limited(http.HandlerFunc(s.stopRun))).Methods("POST")
	r.HandleFunc("/violations", s.listViolations).Methods("GET")
	r.HandleFunc("/output", s.cleanupOutput).Methods("DELETE")
	r.HandleFunc("/preview.jpg", s.getPreview).Methods("GET")
	r.Handle("/metrics", s.opt.Metrics.Handler()).Methods("GET")
	r.PathPrefix("/output/").Handler(http.StripPrefix("/output/", http.FileServer(http.Dir(s.opt.OutputDir))))
	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// ReportStatus pushes a run status transition to every subscriber
func (s *Server) ReportStatus(st models.RunStatus) {
	s.hub.BroadcastStatus(st)
}

// ListenAndServe serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("Gateway: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ingestViolation accepts one record from the sink and fans it out.
// Duplicates are broadcast as they come; subscribers deal with them.
func (s *Server) ingestViolation(w http.ResponseWriter, r *http.Request) {
	var rec models.ViolationRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid violation record: "+err.Error(), http.StatusBadRequest)
		return
	}
	if rec.ZoneName == "" || rec.SnapshotPath == "" {
		http.Error(w, "zone_name and snapshot_file are required", http.StatusBadRequest)
		return
	}
	s.hub.BroadcastViolation(rec)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard may be served from another origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Gateway: websocket upgrade: %v", err)
		return
	}
	s.hub.Serve(conn)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Status())
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var cmd models.RunCommand
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, "invalid run command: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	cmd.Action = models.CommandStart

	st, err := s.runs.Start(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), runErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	st, err := s.runs.Stop(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), runErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, runner.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, runner.ErrNoSuchRun):
		return http.StatusNotFound
	case errors.Is(err, zones.ErrInvalidZoneDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, framesource.ErrSourceUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	limit := defaultViolationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var records []models.ViolationRecord
	var err error
	if s.opt.Query != nil {
		records, err = s.opt.Query.ListViolations(r.Context(), limit)
	} else {
		records, err = sink.ReadRecords(s.opt.OutputDir, limit)
	}
	if err != nil {
		s.log.Errorf("Gateway: list violations: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ViolationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) cleanupOutput(w http.ResponseWriter, r *http.Request) {
	if s.runs.Status().State == models.RunRunning {
		http.Error(w, "cannot clean output while a run is active", http.StatusConflict)
		return
	}
	removed, err := sink.Cleanup(s.opt.OutputDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Infof("Gateway: removed %d output files", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) getPreview(w http.ResponseWriter, r *http.Request) {
	img := s.runs.Preview()
	if img == nil {
		http.Error(w, "no preview", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 75}); err != nil {
		s.log.Warnf("Gateway: encode preview: %v", err)
	}
}
