// Package httpapi exposes the orchestrator over HTTP JSON and streams events
// over a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"canopy/internal/automode"
	"canopy/internal/devserver"
	"canopy/internal/events"
	"canopy/internal/orchestrator"
	"canopy/internal/reconcile"
	"canopy/internal/worktree"
)

const (
	maxRequestBodySize = 1 << 20
	shutdownTimeout    = 10 * time.Second
)

// Service is the set of operations the API serves.
type Service interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (orchestrator.CreateResponse, error)
	Delete(ctx context.Context, req orchestrator.DeleteRequest) (orchestrator.DeleteResponse, error)
	List(ctx context.Context, req orchestrator.ListRequest) (orchestrator.ListResponse, error)
	Select(ctx context.Context, req orchestrator.SelectRequest) (orchestrator.WorktreeInfo, error)
	Selected(ctx context.Context, projectPath string) (orchestrator.WorktreeInfo, error)
	SwitchBranch(ctx context.Context, req orchestrator.SwitchBranchRequest) (orchestrator.SwitchBranchResponse, error)
	DevServerStart(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStop(ctx context.Context, req orchestrator.DevServerRequest) (devserver.Info, error)
	DevServerStatus(ctx context.Context, req orchestrator.DevServerRequest) (orchestrator.DevServerStatusResponse, error)
	DevServerLogs(ctx context.Context, req orchestrator.DevServerLogsRequest) (orchestrator.DevServerLogsResponse, error)
	AutoModeStart(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	AutoModeStop(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	AutoModeStatus(ctx context.Context, req orchestrator.AutoModeRequest) (automode.Info, error)
	GetInitScript(ctx context.Context, req orchestrator.InitScriptRequest) (orchestrator.InitScriptInfo, error)
	RunInitScript(ctx context.Context, req orchestrator.RunInitScriptRequest) (orchestrator.RunInitScriptResponse, error)
	Refresh(ctx context.Context, projectPath string) (reconcile.Result, error)
}

// Subscriber is the event source streamed to websocket clients.
type Subscriber interface {
	Subscribe(buffer int, filter func(events.Event) bool) (<-chan events.Event, func())
}

type Options struct {
	Service Service
	Events  Subscriber
	Log     logrus.FieldLogger
	Version string
}

type Server struct {
	svc     Service
	events  Subscriber
	log     logrus.FieldLogger
	version string
	router  chi.Router
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		svc:     opts.Service,
		events:  opts.Events,
		log:     log.WithField("component", "http"),
		version: opts.Version,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)
		r.Route("/worktree", func(r chi.Router) {
			r.Post("/create", serve(s, s.svc.Create))
			r.Post("/delete", serve(s, s.svc.Delete))
			r.Post("/list", serve(s, s.svc.List))
			r.Post("/select", serve(s, s.svc.Select))
			r.Get("/selected", s.handleSelected)
			r.Post("/switch-branch", serve(s, s.svc.SwitchBranch))
			r.Post("/refresh", s.handleRefresh)
			r.Post("/init-script", serve(s, s.svc.GetInitScript))
			r.Post("/run-init-script", serve(s, s.svc.RunInitScript))
		})
		r.Route("/dev-server", func(r chi.Router) {
			r.Post("/start", serve(s, s.svc.DevServerStart))
			r.Post("/stop", serve(s, s.svc.DevServerStop))
			r.Post("/status", serve(s, s.svc.DevServerStatus))
			r.Post("/logs", serve(s, s.svc.DevServerLogs))
		})
		r.Route("/auto-mode", func(r chi.Router) {
			r.Post("/start", serve(s, s.svc.AutoModeStart))
			r.Post("/stop", serve(s, s.svc.AutoModeStop))
			r.Post("/status", serve(s, s.svc.AutoModeStatus))
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"dur":        time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind worktree.Kind) int {
	switch kind {
	case worktree.KindInvalid:
		return http.StatusBadRequest
	case worktree.KindNotFound:
		return http.StatusNotFound
	case worktree.KindAlreadyExists,
		worktree.KindBranchConflict,
		worktree.KindBranchInUse,
		worktree.KindInUse,
		worktree.KindPathExists,
		worktree.KindAlreadyRunning:
		return http.StatusConflict
	case worktree.KindCannotDeleteMain:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := worktree.KindOf(err)
	status := statusFor(kind)
	entry := s.log.WithFields(logrus.Fields{"path": r.URL.Path, "code": kind.Code()}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeError(w, status, kind.Code(), err.Error())
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, worktree.KindInvalid.Code(), "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, worktree.KindInvalid.Code(), "invalid request body: "+err.Error())
		}
		return v, false
	}
	return v, true
}

// serve decodes a request, runs fn and writes its result.
func serve[Req, Resp any](s *Server, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r)
		if !ok {
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
