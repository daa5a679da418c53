// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carbsmart/internal/clock"
	"carbsmart/internal/estimator"
	"carbsmart/internal/models"
	"carbsmart/internal/pinguard"
)

const (
	ServerName = "carbsmart"

	defaultRateLimit    = rate.Limit(2)
	defaultRateBurst    = 10
	defaultMaxBodyBytes = 12 << 20
)

// Store is the persistence the server needs.
type Store interface {
	pinguard.CredentialStore
	GetSettings(ctx context.Context, userID string) (models.Settings, error)
	UpdateSettings(ctx context.Context, userID string, settings models.Settings) error
	AppendResults(ctx context.Context, userID string, results []models.CalculationResult) error
	History(ctx context.Context, userID string, q models.HistoryQuery) ([]models.CalculationResult, error)
	RecordEvent(ctx context.Context, userID, eventType string) error
	Ping(ctx context.Context) error
}

// Deps wires a Server. Store and Estimator are required.
type Deps struct {
	Store        Store
	Estimator    estimator.Estimator
	Hasher       pinguard.Hasher
	Clock        clock.Clock
	Logger       *zap.Logger
	Version      string
	RateLimit    rate.Limit
	RateBurst    int
	MaxBodyBytes int64
	SessionTTL   time.Duration // how long an idle, locked session without pending meals is kept
}

type Server struct {
	store     Store
	estimator estimator.Estimator
	clock     clock.Clock
	logger    *zap.Logger
	version   string
	maxBody   int64

	entropy  io.Reader
	sessions *sessionRegistry
	toolset  map[string]toolFunc
	router   chi.Router

	mu         sync.Mutex
	httpServer *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if deps.Estimator == nil {
		return nil, errors.New("server: estimator is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hasher := deps.Hasher
	if hasher == nil {
		hasher = pinguard.BcryptHasher{}
	}
	limit := deps.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := deps.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		store:     deps.Store,
		estimator: deps.Estimator,
		clock:     clk,
		logger:    logger,
		version:   version,
		maxBody:   maxBody,
		entropy:   ulid.DefaultEntropy(),
		sessions:  newSessionRegistry(deps.Store, hasher, clk, logger, deps.SessionTTL),
	}
	s.toolset = s.tools()
	s.router = s.routes(newRateLimiter(limit, burst))
	return s, nil
}

func (s *Server) routes(limiter *rateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleInfo)
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Use(limiter.middleware)
		r.Post("/mcp", s.handleMCP)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("failed to read body: %v", err), nil)
		return
	}

	var request protocol.CallToolRequest
	if err := sonic.Unmarshal(body, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("Invalid JSON: %v", err), nil)
		return
	}

	userID := userIDFrom(r.Context())
	tool, ok := s.toolset[request.Name]
	if !ok {
		s.fail(w, request.Name, userID, fmt.Errorf("%w: %s", errUnknownTool, request.Name))
		return
	}

	sess, err := s.sessions.get(userID)
	if err != nil {
		s.fail(w, request.Name, userID, err)
		return
	}
	defer s.sessions.put(sess)

	data, err := tool(r.Context(), sess, &request)
	if err != nil {
		s.fail(w, request.Name, userID, err)
		return
	}

	result, err := s.createJSONResponse(data)
	if err != nil {
		s.fail(w, request.Name, userID, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) fail(w http.ResponseWriter, tool, userID string, err error) {
	status, code := classify(err)
	var pin *pinStatusView
	var pe *pinError
	if errors.As(err, &pe) {
		pin = newPinStatusView(pe.status)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("tool call failed",
			zap.String("tool", tool), zap.String("user_id", userID), zap.Error(err))
	}
	writeError(w, status, code, err.Error(), pin)
}

func (s *Server) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	text, err := sonic.MarshalString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}, nil
}

type infoView struct {
	Server   protocol.Implementation `json:"server"`
	Tools    []string                `json:"tools"`
	Sessions int                     `json:"sessions"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.toolset))
	for name := range s.toolset {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, infoView{
		Server:   protocol.Implementation{Name: ServerName, Version: s.version},
		Tools:    names,
		Sessions: s.sessions.count(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting carbsmart server", zap.String("addr", addr), zap.String("version", s.version))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops every session's timers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.sessions.closeAll()
	return err
}
