package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"towersched/internal/domain"
	"towersched/internal/history"
	"towersched/internal/store"
)

// Rebuilder re-expands the active schedule from the templates.
type Rebuilder interface {
	Rebuild(ctx context.Context) (domain.ActiveSchedule, error)
}

type Server struct {
	r        *chi.Mux
	store    store.Store
	recorder history.Recorder
	rebuild  Rebuilder
}

// NewServer serves the status API. recorder and rebuild may be nil; their
// routes then answer 404 and 503.
func NewServer(st store.Store, recorder history.Recorder, rebuild Rebuilder) http.Handler {
	return NewServerWithDebug(st, recorder, rebuild, false)
}

func NewServerWithDebug(st store.Store, recorder history.Recorder, rebuild Rebuilder, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, recorder: recorder, rebuild: rebuild}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/schedule", s.getSchedule)
	r.Post("/api/rebuild", s.postRebuild)
	r.Get("/api/dispatches", s.listDispatches)
	r.Get("/api/next-fires", s.listNextFires)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "tower_up 1")
	if sched, err := s.store.Load(r.Context()); err == nil {
		fmt.Fprintf(w, "tower_schedule_events %d\n", len(sched.Events))
		fmt.Fprintf(w, "tower_schedule_cursor %d\n", sched.Cursor)
	}
}

type scheduleResp struct {
	Path   string               `json:"path"`
	Day    string               `json:"day,omitempty"`
	Cursor int                  `json:"next_ensemble"`
	Next   *domain.FiringEvent  `json:"next,omitempty"`
	Events []domain.FiringEvent `json:"ensemble_list"`
}

func toResp(path string, sched domain.ActiveSchedule) scheduleResp {
	resp := scheduleResp{Path: path, Day: sched.Day, Cursor: sched.Cursor, Events: sched.Events}
	if e, ok := sched.Next(); ok {
		resp.Next = &e
	}
	return resp
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.Load(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrStateNotFound) {
			http.Error(w, "no active schedule", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toResp(s.store.Path(), sched))
}

func (s *Server) postRebuild(w http.ResponseWriter, r *http.Request) {
	if s.rebuild == nil {
		http.Error(w, "rebuild unavailable", http.StatusServiceUnavailable)
		return
	}
	sched, err := s.rebuild.Rebuild(r.Context())
	if err != nil {
		code := 500
		switch {
		case errors.Is(err, domain.ErrTemplateRead):
			code = 422
		case errors.Is(err, store.ErrLocked):
			code = 409
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, 200, toResp(s.store.Path(), sched))
}

func (s *Server) listDispatches(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "history disabled", 404)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", 400)
			return
		}
		limit = n
	}
	out, err := s.recorder.ListDispatches(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if out == nil {
		out = []history.Dispatch{}
	}
	writeJSON(w, 200, out)
}

func (s *Server) listNextFires(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "history disabled", 404)
		return
	}
	out, err := s.recorder.ListNextFires(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if out == nil {
		out = []history.NextFire{}
	}
	writeJSON(w, 200, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
