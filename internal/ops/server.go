// Package ops serves the operator HTTP surface: health, tick status, manual
// reconciliation and read-only views of task series and delivery records.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpulse/internal/job/engine"
	"taskpulse/internal/job/scheduler"
	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
	"taskpulse/internal/task"
	logx "taskpulse/pkg/logx"
)

// TickJob is the schedule name manual reconciles are submitted under.
const TickJob = "reconciler.tick"

type Store interface {
	Ping(ctx context.Context) error
	LastTick(ctx context.Context) (storage.TickRun, error)
	Get(ctx context.Context, id int64) (task.Task, error)
	FindSeries(ctx context.Context, rootID int64) ([]task.Task, error)
	ListRecordsByTask(ctx context.Context, taskID int64) ([]notification.Record, error)
}

type Triggerer interface {
	Trigger(name string) (string, error)
}

type Config struct {
	Addr     string
	Profiler bool
	Token    string
}

// Deps are optional except Store. A nil Trigger disables POST /v1/reconcile.
type Deps struct {
	Store     Store
	Trigger   Triggerer
	Engine    func() engine.Snapshot
	Schedules func() []scheduler.Entry
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	h    http.Handler

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.Component("ops"))}
	s.h = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/tasks/{id}/series", s.series)
		r.Get("/tasks/{id}/notifications", s.notifications)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/reconcile", s.reconcile)
		})
	})

	if s.cfg.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start listens on cfg.Addr and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("ops listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
