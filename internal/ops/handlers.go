package ops

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpulse/internal/job/engine"
	"taskpulse/internal/job/scheduler"
	"taskpulse/internal/storage"
	"taskpulse/internal/task"
	logx "taskpulse/pkg/logx"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type statusBody struct {
	LastTick  *storage.TickRun  `json:"lastTick,omitempty"`
	Engine    *engine.Snapshot  `json:"engine,omitempty"`
	Schedules []scheduler.Entry `json:"schedules,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	s.writeJSON(w, code, errorBody{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Warn("readiness check failed", logx.Err(err))
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var out statusBody
	last, err := s.deps.Store.LastTick(r.Context())
	switch {
	case err == nil:
		out.LastTick = &last
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.log.Error("last tick lookup failed", logx.Err(err))
		s.writeError(w, r, http.StatusInternalServerError, "status unavailable")
		return
	}
	if s.deps.Engine != nil {
		snap := s.deps.Engine()
		out.Engine = &snap
	}
	if s.deps.Schedules != nil {
		out.Schedules = s.deps.Schedules()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		s.writeError(w, r, http.StatusNotImplemented, "reconciler role not enabled")
		return
	}
	id, err := s.deps.Trigger.Trigger(TickJob)
	switch {
	case err == nil:
		s.log.Info("manual reconcile queued", logx.String("job_id", id))
		s.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
	case errors.Is(err, engine.ErrOverlapSkip):
		s.writeError(w, r, http.StatusConflict, "tick already queued or running")
	case errors.Is(err, engine.ErrQueueFull):
		s.writeError(w, r, http.StatusServiceUnavailable, "engine queue full")
	default:
		s.log.Error("manual reconcile failed", logx.Err(err))
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) series(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	tasks, err := s.deps.Store.FindSeries(r.Context(), t.RootID())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	recs, err := s.deps.Store.ListRecordsByTask(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, task.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("store query failed", logx.String("path", r.URL.Path), logx.Err(err))
	s.writeError(w, r, http.StatusInternalServerError, "store error")
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
