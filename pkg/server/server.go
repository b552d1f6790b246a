package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/metrics"
	"github.com/zen-systems/shipgate/pkg/pipeline"
)

const shutdownTimeout = 5 * time.Second

// DecisionRequest is the body of an approve or reject call.
type DecisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is returned for every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server exposes the state of the current run, its pending approvals and
// an abort switch over HTTP.
type Server struct {
	broker  *approval.Broker
	metrics *metrics.Collector
	logger  zerolog.Logger

	// token, when set, must be presented as a bearer token on every
	// route except /healthz.
	token string

	mu    sync.RWMutex
	run   *pipeline.Run
	abort context.CancelFunc
}

// New creates a control server. broker and collector may be nil.
func New(broker *approval.Broker, collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{broker: broker, metrics: collector, logger: logger}
}

// Observe records the latest run snapshot. It is a pipeline.Observer.
func (s *Server) Observe(run pipeline.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = &run
}

// RequireToken makes every route except /healthz demand
// "Authorization: Bearer <token>". It must be called before Handler.
func (s *Server) RequireToken(token string) {
	s.token = token
}

// SetAbort installs the function that aborts the current run.
func (s *Server) SetAbort(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = cancel
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/run", s.handleGetRun)
		r.Post("/run/abort", s.handleAbort)
		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}/approve", s.handleDecision(true))
		r.Post("/approvals/{id}/reject", s.handleDecision(false))
		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("control server listening")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()

	if run == nil {
		writeError(w, http.StatusNotFound, "no run has started")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	run, abort := s.run, s.abort
	s.mu.RUnlock()

	if abort == nil {
		writeError(w, http.StatusConflict, "no run to abort")
		return
	}
	if run != nil && run.Status.Terminal() {
		writeError(w, http.StatusConflict, "run already "+string(run.Status))
		return
	}

	zerolog.Ctx(r.Context()).Warn().Msg("operator abort requested")
	abort()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := []approval.Request{}
	if s.broker != nil {
		pending = s.broker.Pending()
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecision(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.broker == nil {
			writeError(w, http.StatusConflict, "approvals are not handled by this server")
			return
		}

		var body DecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if body.Actor == "" {
			writeError(w, http.StatusBadRequest, "actor is required")
			return
		}

		id := chi.URLParam(r, "id")
		decision := approval.Decision{
			Approved:  approved,
			Actor:     body.Actor,
			Reason:    body.Reason,
			DecidedAt: time.Now().UTC(),
		}
		if err := s.broker.Resolve(id, decision); err != nil {
			if errors.Is(err, approval.ErrUnknownRequest) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		zerolog.Ctx(r.Context()).Info().
			Str("request_id", id).
			Str("actor", body.Actor).
			Bool("approved", approved).
			Msg("approval resolved")
		writeJSON(w, http.StatusOK, decision)
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="shipgate"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid control token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("body_size", ww.BytesWritten()).
			Int64("elapsed_ms", time.Since(start).Milliseconds()).
			Msg(http.StatusText(status))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
