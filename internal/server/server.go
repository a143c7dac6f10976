// Package server exposes the daemon over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bolasblack/nfcond/internal/controlfs"
	"github.com/bolasblack/nfcond/internal/daemon"
	"github.com/bolasblack/nfcond/internal/util"
)

type credKey struct{}

// WithCred returns a context carrying the caller's credentials.
func WithCred(ctx context.Context, cred controlfs.Cred) context.Context {
	return context.WithValue(ctx, credKey{}, cred)
}

// CredFrom returns the caller's credentials, or controlfs.Nobody.
func CredFrom(ctx context.Context) controlfs.Cred {
	if cred, ok := ctx.Value(credKey{}).(controlfs.Cred); ok {
		return cred
	}
	return controlfs.Nobody
}

// Server serves the nfcond API.
type Server struct {
	d        *daemon.Daemon
	log      *logrus.Entry
	gatherer prometheus.Gatherer
	router   *httprouter.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a server for d.
func New(d *daemon.Daemon, opts ...Option) *Server {
	s := &Server{
		d:   d,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	router := httprouter.New()

	router.GET("/v1/namespaces", s.listNamespaces)
	router.PUT("/v1/namespaces/:ns", s.createNamespace)
	router.DELETE("/v1/namespaces/:ns", s.deleteNamespace)
	router.GET("/v1/namespaces/:ns/policy", s.getPolicy)
	router.PUT("/v1/namespaces/:ns/policy", s.setPolicy)

	router.GET("/v1/namespaces/:ns/conditions", s.listConditions)
	router.GET("/v1/namespaces/:ns/conditions/:name", s.readCondition)
	router.PUT("/v1/namespaces/:ns/conditions/:name", s.writeCondition)

	router.GET("/v1/namespaces/:ns/rules", s.listRules)
	router.POST("/v1/namespaces/:ns/rules", s.addRule)
	router.DELETE("/v1/namespaces/:ns/rules/:id", s.deleteRule)

	router.POST("/v1/namespaces/:ns/evaluate", s.evaluate)

	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return router
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		log := s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path})

		s.router.ServeHTTP(rec, r.WithContext(util.WithLogger(r.Context(), log)))

		log.WithFields(logrus.Fields{
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

// ConnContext stores the peer credentials of c in ctx. It is meant for
// http.Server.ConnContext.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	cred, _ := peerCred(c)
	return WithCred(ctx, cred)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ConnContext:       ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, r, http.StatusOK, NamespacesResponse{Namespaces: s.d.Namespaces()})
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.d.CreateNamespace(ps.ByName("ns")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.d.DestroyNamespace(ps.ByName("ns")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	v, err := s.d.Policy(ps.ByName("ns"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, PolicyBody{Policy: v})
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		Policy string `json:"policy"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&body); err != nil {
		s.handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.d.SetPolicy(ps.ByName("ns"), body.Policy); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConditions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	conds, err := s.d.Conditions(ps.ByName("ns"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ConditionsResponse{Conditions: conds})
}

func (s *Server) readCondition(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	data, err := s.d.ReadCondition(CredFrom(r.Context()), ps.ByName("ns"), ps.ByName("name"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		util.LoggerOrDefault(r.Context()).WithError(err).Debug("write response")
	}
}

func (s *Server) writeCondition(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxConditionWrite))
	if err != nil {
		s.handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	cred := CredFrom(r.Context())
	if err := s.d.WriteCondition(cred, ps.ByName("ns"), ps.ByName("name"), data); err != nil {
		s.handleError(w, r, err)
		return
	}
	util.LoggerOrDefault(r.Context()).WithFields(logrus.Fields{
		"namespace": ps.ByName("ns"),
		"condition": ps.ByName("name"),
		"uid":       cred.UID,
	}).Info("condition written")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rules, err := s.d.Rules(ps.ByName("ns"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, RulesResponse{Rules: rules})
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var spec daemon.RuleSpec
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&spec); err != nil {
		s.handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rule, err := s.d.InstallRule(ps.ByName("ns"), spec)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.d.RemoveRule(ps.ByName("ns"), ps.ByName("id")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := s.d.Evaluate(ps.ByName("ns"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := util.LoggerOrDefault(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}
	s.writeJSON(w, r, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LoggerOrDefault(r.Context()).WithError(err).Debug("write response")
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
