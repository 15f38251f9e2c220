// Package admin is the operator-facing HTTP surface: job and task queries,
// manual job control, controller state and a websocket feed of bus events.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"feedagent/internal/controller"
	"feedagent/internal/eventbus"
	"feedagent/internal/runtime/supervisor"
	"feedagent/internal/storage"
	"feedagent/internal/task"
	"feedagent/internal/task/queue"
	"feedagent/internal/task/scheduler"
	logx "feedagent/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - Binding to a non-loopback address requires Token.
type Config struct {
	Addr        string
	Token       string
	CORSOrigins []string
	Pprof       bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Jobs is the scheduler surface exposed over HTTP. *scheduler.Service
// satisfies it.
type Jobs interface {
	Jobs() []scheduler.JobStatus
	JobStatus(name string) (scheduler.JobStatus, error)
	Preview(name string, n int) ([]time.Time, error)
	RunJobNow(name string) (string, error)
	EnableJob(name string) error
	DisableJob(name string) error
	RemoveJob(name string) error
}

// Queue is satisfied by *queue.Queue.
type Queue interface {
	Status() queue.Status
	Cancel(id string) bool
	Pause()
	Resume()
}

// Tasks is satisfied by *task.Tracker.
type Tasks interface {
	Get(id string) (task.Record, bool)
	ByState(s task.State) []task.Record
	ByJob(name string) []task.Record
	Export() []task.Record
	Metrics() task.Metrics
	WindowStats(window time.Duration) task.WindowStats
}

// Controller is satisfied by *controller.Controller.
type Controller interface {
	State() controller.State
	History() []controller.Snapshot
	Actions() []controller.Decision
}

// Auditor records mutating requests. storage.Store satisfies it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the components behind the endpoints. Jobs, Queue and Tasks are
// required; the rest may be nil.
type Deps struct {
	Jobs       Jobs
	Queue      Queue
	Tasks      Tasks
	Controller Controller
	Audit      Auditor
	Bus        eventbus.Bus

	// Loops lists the agent's supervised background loops.
	Loops func() []supervisor.LoopStats
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	warn *logx.Throttle
	now  func() time.Time

	router *chi.Mux
}

func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if deps.Jobs == nil || deps.Queue == nil || deps.Tasks == nil {
		return nil, errors.New("admin: jobs, queue and tasks are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "admin")),
		warn: logx.NewThrottle(time.Minute),
		now:  time.Now,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/api", func(r chi.Router) {
			r.Get("/jobs", s.listJobs)
			r.Route("/jobs/{name}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.removeJob)
				r.Post("/run", s.runJob)
				r.Post("/enable", s.enableJob)
				r.Post("/disable", s.disableJob)
			})

			r.Get("/queue", s.queueStatus)
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{id}", s.getTask)
			r.Delete("/tasks/{id}", s.cancelTask)
			r.Get("/metrics", s.metrics)

			r.Get("/controller", s.controllerState)
			r.Get("/controller/history", s.controllerHistory)
			r.Post("/controller/pause", s.pause)
			r.Post("/controller/resume", s.resume)

			r.Get("/events", s.events)
			r.Get("/loops", s.loops)
		})

		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// auth accepts either "Authorization: Bearer <token>" or "?token=<token>";
// browsers cannot set headers on websocket upgrades.
func (s *Server) auth(next http.Handler) http.Handler {
	tok := s.cfg.Token
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if !tokenEqual(got, tok) {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenEqual compares in constant time. An empty token never matches.
func tokenEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
}

// Serve listens on cfg.Addr until ctx ends. Run it under a supervisor
// restart loop; a nil return means a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start: non-loopback addr requires token", logx.String("addr", addr))
		return errors.New("admin refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  durOr(s.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: s.cfg.WriteTimeout, // zero: websocket streams and pprof profiles are long-lived
		IdleTimeout:  durOr(s.cfg.IdleTimeout, 60*time.Second),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("admin stopped")
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func durOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
