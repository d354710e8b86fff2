package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/flow"
	"github.com/ParleSec/FlowGlass/internal/lookingglass"
	"github.com/ParleSec/FlowGlass/internal/mockidp"
	"github.com/ParleSec/FlowGlass/internal/policy"
	"github.com/ParleSec/FlowGlass/internal/tokenval"
)

// Server is the HTTP surface over the flow and validation engines.
type Server struct {
	config       *Config
	logger       zerolog.Logger
	flows        *FlowManager
	lookingGlass *lookingglass.Engine
	idp          *mockidp.Provider
	resolver     *crypto.Resolver
	engine       *tokenval.Engine
	router       chi.Router
}

// NewServer creates a server instance and builds its router.
func NewServer(cfg *Config, deps *BootstrapResult) *Server {
	s := &Server{
		config:       cfg,
		logger:       deps.Logger,
		flows:        NewFlowManager(),
		lookingGlass: deps.LookingGlass,
		idp:          deps.MockIdP,
		resolver:     deps.Resolver,
		engine:       deps.Engine,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rateLimiter := NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Limit)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/policies", s.handleListPolicies)

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", s.handleListFlows)
			r.Post("/{type}/start", s.handleStartFlow)
			r.Get("/{id}", s.handleGetFlow)
			r.Post("/{id}/callback", s.handleFlowCallback)
			r.Post("/{id}/cancel", s.handleCancelFlow)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/validate", s.handleValidateToken)
			r.Post("/inspect", s.handleInspectToken)
		})

		r.Route("/lookingglass", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
		})
	})

	r.Get("/ws/lookingglass/{session}", s.handleLookingGlassWS)

	if s.idp != nil {
		r.Mount("/idp", s.idp.Routes())
	}

	s.router = r
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	MockIdP bool   `json:"mock_idp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
		MockIdP: s.idp != nil,
	})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": policy.Presets()})
}

// StartFlowRequest is the body of POST /api/flows/{type}/start. Empty client
// fields fall back to the demo client registered for the grant type.
type StartFlowRequest struct {
	Policy        string `json:"policy,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	RedirectURI   string `json:"redirect_uri,omitempty"`
	Scope         string `json:"scope,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	OriginalScope string `json:"original_scope,omitempty"`
}

// StartFlowResponse echoes the execution plus the out-of-band artifacts a
// caller needs to continue (authorization URL, looking glass session).
type StartFlowResponse struct {
	Execution        *flow.Execution `json:"execution"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	SessionID        string          `json:"lookingglass_session_id"`
	WSEndpoint       string          `json:"ws_endpoint"`
}

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	flowType := flow.Type(chi.URLParam(r, "type"))

	var req StartFlowRequest
	if r.Body != nil {
		// An empty body is fine: every field has a demo default.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "undecodable request body")
			return
		}
	}
	s.applyFlowDefaults(flowType, &req)

	pol := policy.Secure()
	if req.Policy != "" {
		p, ok := policy.Lookup(req.Policy)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown policy preset: "+req.Policy)
			return
		}
		pol = p
	}

	discovery, err := flow.FetchDiscovery(r.Context(), nil, req.Issuer)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.resolver.RegisterJWKSURL(discovery.Issuer, discovery.JwksURI)

	m, err := flow.New(flowType, flow.Config{
		ClientID:      req.ClientID,
		ClientSecret:  req.ClientSecret,
		RedirectURI:   req.RedirectURI,
		Scope:         req.Scope,
		RefreshToken:  req.RefreshToken,
		OriginalScope: req.OriginalScope,
		Discovery:     discovery,
		Policy:        pol,
		Engine:        s.engine,
		Observer:      s.lookingGlass,
		Logger:        s.logger,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session := s.lookingGlass.CreateSession(m.Execution().ID, flowType)

	ctx, cancel := context.WithCancel(context.Background())
	s.flows.Register(m, cancel)

	switch flowType {
	case flow.TypeAuthorizationCodePKCE:
		// Start is local: it builds the URL and parks at the await point.
		if err := m.Start(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		// Everything else talks to the network (device flows poll for
		// minutes); run in the background and let the caller watch.
		go func() {
			if err := m.Start(ctx); err != nil {
				s.logger.Debug().Str("flow_id", m.Execution().ID).Err(err).Msg("flow ended with error")
			}
		}()
	}

	resp := StartFlowResponse{
		Execution:  m.Execution().Snapshot(),
		SessionID:  session.ID,
		WSEndpoint: "/ws/lookingglass/" + session.ID,
	}
	if a, ok := m.(flow.AuthorizationURLer); ok {
		resp.AuthorizationURL = a.AuthorizationURL()
	}
	writeJSON(w, http.StatusOK, resp)
}

// applyFlowDefaults fills empty client fields with the demo client registered
// for the grant type, so a bare POST starts a working flow.
func (s *Server) applyFlowDefaults(t flow.Type, req *StartFlowRequest) {
	if req.Issuer == "" {
		req.Issuer = s.config.BaseURL + "/idp"
	}
	if req.ClientID != "" {
		return
	}
	switch t {
	case flow.TypeAuthorizationCodePKCE:
		req.ClientID = "public-app"
		if req.RedirectURI == "" {
			req.RedirectURI = "http://localhost:8080/callback"
		}
		if req.Scope == "" {
			req.Scope = "openid profile email"
		}
	case flow.TypeClientCredentials:
		req.ClientID = "machine-client"
		req.ClientSecret = "machine-secret"
		if req.Scope == "" {
			req.Scope = "api:read"
		}
	case flow.TypeDeviceAuthorization:
		req.ClientID = "tv-app"
		if req.Scope == "" {
			req.Scope = "openid profile"
		}
	case flow.TypeRefreshToken:
		req.ClientID = "public-app"
	}
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.flows.List()})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	m, exists := s.flows.Get(chi.URLParam(r, "id"))
	if !exists {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}

	resp := map[string]any{
		"execution": m.Execution().Snapshot(),
		"state":     m.CurrentState(),
	}
	if d, ok := m.(flow.DeviceAuthorizer); ok {
		if grant := d.DeviceAuthorization(); grant != nil {
			resp["device_authorization"] = grant
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CallbackRequest carries the authorization redirect parameters back into a
// waiting authorization-code machine.
type CallbackRequest struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (s *Server) handleFlowCallback(w http.ResponseWriter, r *http.Request) {
	m, exists := s.flows.Get(chi.URLParam(r, "id"))
	if !exists {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable request body")
		return
	}

	err := m.Advance(r.Context(), flow.AuthorizationResponse{
		Code:             req.Code,
		State:            req.State,
		Error:            req.Error,
		ErrorDescription: req.ErrorDescription,
	})

	resp := map[string]any{
		"execution": m.Execution().Snapshot(),
		"state":     m.CurrentState(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateTokenRequest is the body of POST /api/tokens/validate.
type ValidateTokenRequest struct {
	Token    string `json:"token"`
	Policy   string `json:"policy,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
	Audience string `json:"audience,omitempty"`
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req ValidateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	pol := policy.Secure()
	if req.Policy != "" {
		p, ok := policy.Lookup(req.Policy)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown policy preset: "+req.Policy)
			return
		}
		pol = p
	}
	if req.Issuer == "" && s.idp != nil {
		req.Issuer = s.idp.Issuer()
	}

	result := s.engine.Validate(r.Context(), req.Token, pol, req.Issuer, req.Audience)
	writeJSON(w, http.StatusOK, result)
}

type InspectTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleInspectToken(w http.ResponseWriter, r *http.Request) {
	var req InspectTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable request body")
		return
	}

	inspection, err := lookingglass.InspectToken(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inspection)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.lookingGlass.ListSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, exists := s.lookingGlass.GetSession(chi.URLParam(r, "id"))
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

func (s *Server) handleLookingGlassWS(w http.ResponseWriter, r *http.Request) {
	s.lookingGlass.HandleWebSocket(w, r, chi.URLParam(r, "session"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
