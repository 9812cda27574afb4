// Package server exposes the control surface over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DaveLoeffel/sage-app-sub001/auth"
	"github.com/DaveLoeffel/sage-app-sub001/ingest"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
	"github.com/DaveLoeffel/sage-app-sub001/scheduler"
)

type ctxKey string

const (
	ctxKeySubject ctxKey = "subject"
	ctxKeyRole    ctxKey = "role"
)

// ObligationService is what the obligation routes call; obligation.Service
// satisfies it.
type ObligationService interface {
	Create(ctx context.Context, params obligation.CreateParams) (obligation.Obligation, error)
	Get(ctx context.Context, id string) (obligation.Obligation, error)
	List(ctx context.Context, filter obligation.ListFilter) ([]obligation.Obligation, error)
	Update(ctx context.Context, id string, update obligation.DetailsUpdate) (obligation.Obligation, error)
	Complete(ctx context.Context, id string, actor obligation.Actor, reason string) (obligation.Obligation, error)
	Cancel(ctx context.Context, id string, actor obligation.Actor, reason string) (obligation.Obligation, error)
	AddNote(ctx context.Context, id string, actor obligation.Actor, note string) error
	History(ctx context.Context, id string) ([]obligation.HistoryEntry, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, ev ingest.ClassificationEvent) (ingest.Result, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, msg reconcile.InboundMessage) (reconcile.Outcome, error)
}

type Scanner interface {
	Trigger(ctx context.Context) (scheduler.Summary, error)
	LastPass() (scheduler.Summary, bool)
}

type TokenService interface {
	IssueToken(ctx context.Context, req auth.TokenRequest) (auth.TokenResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Deps groups the collaborators behind the routes.
type Deps struct {
	Obligations ObligationService
	Ingestor    Ingestor
	Reconciler  Reconciler
	Scanner     Scanner
	Auth        TokenService
	Version     string
}

type Server struct {
	obligations ObligationService
	ingestor    Ingestor
	reconciler  Reconciler
	scanner     Scanner
	auth        TokenService
	version     string
	started     time.Time
	logger      *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		obligations: deps.Obligations,
		ingestor:    deps.Ingestor,
		reconciler:  deps.Reconciler,
		scanner:     deps.Scanner,
		auth:        deps.Auth,
		version:     deps.Version,
		started:     time.Now().UTC(),
		logger:      logger,
	}
}

// access is what a route requires of the caller's role.
type access struct {
	write  bool
	events bool
}

var (
	readAccess   = access{}
	writeAccess  = access{write: true}
	eventsAccess = access{events: true}
)

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/token", s.handleToken)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.Handle("GET /api/obligations", s.requireAuth(readAccess, s.handleListObligations))
	mux.Handle("POST /api/obligations", s.requireAuth(writeAccess, s.handleCreateObligation))
	mux.Handle("GET /api/obligations/{id}", s.requireAuth(readAccess, s.handleGetObligation))
	mux.Handle("PATCH /api/obligations/{id}", s.requireAuth(writeAccess, s.handleUpdateObligation))
	mux.Handle("POST /api/obligations/{id}/complete", s.requireAuth(writeAccess, s.handleClose(obligation.StatusCompleted)))
	mux.Handle("POST /api/obligations/{id}/cancel", s.requireAuth(writeAccess, s.handleClose(obligation.StatusCancelled)))
	mux.Handle("POST /api/obligations/{id}/notes", s.requireAuth(writeAccess, s.handleAddNote))
	mux.Handle("GET /api/obligations/{id}/history", s.requireAuth(readAccess, s.handleHistory))

	mux.Handle("POST /api/scan", s.requireAuth(writeAccess, s.handleScan))
	mux.Handle("POST /api/events/classification", s.requireAuth(eventsAccess, s.handleClassificationEvent))
	mux.Handle("POST /api/events/inbound", s.requireAuth(eventsAccess, s.handleInboundEvent))

	return s.logRequests(mux)
}

func (s *Server) requireAuth(need access, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.Role.Allows(need.write, need.events) {
			writeErrorMessage(w, http.StatusForbidden, "role not allowed")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next(w, r.WithContext(ctx))
	})
}

// actorFrom names the caller in history entries.
func actorFrom(ctx context.Context) obligation.Actor {
	subject, _ := ctx.Value(ctxKeySubject).(string)
	return obligation.UserActor(subject)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, obligation.ErrValidation), errors.Is(err, obligation.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, obligation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, obligation.ErrDuplicate), errors.Is(err, obligation.ErrStaleState),
		errors.Is(err, obligation.ErrTerminal), errors.Is(err, scheduler.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, obligation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
