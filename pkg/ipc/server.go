// Package ipc exposes the collaboration server over HTTP: the websocket room
// gateway, credential endpoints, an SSE event stream, and operational
// endpoints.
package ipc

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashishkum25/AiChatCode/pkg/auth"
	"github.com/ashishkum25/AiChatCode/pkg/bus"
	"github.com/ashishkum25/AiChatCode/pkg/config"
	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
	"github.com/ashishkum25/AiChatCode/pkg/relay"
	"github.com/ashishkum25/AiChatCode/pkg/session"
	"github.com/ashishkum25/AiChatCode/pkg/storage"
)

// Server wires the room gateway and its supporting HTTP surface.
type Server struct {
	cfg      config.ServerConfig
	verifier *auth.Verifier
	store    *storage.Store
	registry *session.Registry
	router   *relay.Router
	bus      bus.MessageBus
	logger   *logging.Logger

	wsGate  *capacityGate
	sseGate *capacityGate
	tokenTTL time.Duration

	httpServer *http.Server
}

// New creates a server. The bus may be nil; the SSE stream then reports
// unavailable.
func New(cfg config.ServerConfig, tokenTTL time.Duration, verifier *auth.Verifier, store *storage.Store, registry *session.Registry, router *relay.Router, messageBus bus.MessageBus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:        cfg,
		verifier:   verifier,
		store:      store,
		registry:   registry,
		router:     router,
		bus:        messageBus,
		logger:     logger,
		wsGate:   newCapacityGate(cfg.MaxConnections),
		sseGate:  newCapacityGate(maxEventStreamClients),
		tokenTTL:   tokenTTL,
	}
}

// Handler builds the chi router for the full HTTP surface.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws", s.handleWS)

	router.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
		})
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
		})
		r.Get("/events", s.handleEventStream)
	})

	return router
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info(logging.CategoryGateway, "server_started", "", map[string]any{
		"bind": s.cfg.Bind,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":       "ok",
		"connections":  s.registry.ActiveCount(),
		"rooms":        s.registry.RoomCount(),
		"eventStreams": s.sseGate.InUse(),
	})
}

type registerRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput, "a valid email is required"))
		return
	}

	existing, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, apperrors.New(apperrors.ErrCodeInvalidInput, "user already exists"))
		return
	}

	user, err := s.store.CreateUser(r.Context(), email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	token, err := s.issueSession(w, user.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		respondError(w, http.StatusUnauthorized, apperrors.New(apperrors.ErrCodeInvalidCredential, "unknown user"))
		return
	}

	token, err := s.issueSession(w, user.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	credential, err := auth.CredentialFromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, apperrors.Wrap(err, apperrors.ErrCodeMissingCredential, "no credential to revoke"))
		return
	}
	if err := s.verifier.Revoke(credential); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, map[string]any{"status": "logged out"})
}

// issueSession mints a token and sets it as the session cookie.
func (s *Server) issueSession(w http.ResponseWriter, email string) (string, error) {
	token, err := s.verifier.Issue(email, s.tokenTTL)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.tokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// identityFromRequest authenticates an API request.
func (s *Server) identityFromRequest(r *http.Request) (*auth.Identity, error) {
	credential, err := auth.CredentialFromRequest(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMissingCredential, "credential required")
	}
	identity, err := s.verifier.Verify(credential)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidCredential, "credential rejected")
	}
	return identity, nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), identity.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil {
		respondJSON(w, map[string]any{"projects": []any{}})
		return
	}

	projects, err := s.store.ListProjectsForUser(r.Context(), user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if projects == nil {
		projects = []*storage.Project{}
	}
	respondJSON(w, map[string]any{"projects": projects})
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}

	var req createProjectRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	project, err := s.store.CreateProject(r.Context(), storage.NewProjectID(), req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.IsCode(err, apperrors.ErrCodeInvalidInput) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err)
		return
	}

	if user, err := s.store.GetUserByEmail(r.Context(), identity.Email); err == nil && user != nil {
		if err := s.store.AddUserToProject(r.Context(), project.ID, user.ID); err != nil {
			s.logger.Warn(logging.CategoryStorage, "project_membership_failed", err.Error(), map[string]any{
				"project": project.ID,
			})
		}
	}

	respondJSON(w, map[string]any{"project": project})
}
