package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/salesagent/internal/coordination"
	"github.com/salesagent/pkg/models"
)

// ConversationStore is the persistence the HTTP handlers need
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	PauseConversation(ctx context.Context, conversationID string, pausedAt *time.Time) error
	ResumeConversation(ctx context.Context, conversationID string) error
}

// Pinger reports whether the database answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// Enqueuer schedules a message job
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, job models.MessageJob, runAt time.Time) (int64, error)
}

// Dependencies are the collaborators of the HTTP server
type Dependencies struct {
	Store          ConversationStore
	Tokens         coordination.TokenStore
	Queue          Enqueuer
	DebounceWindow time.Duration
	Logger         zerolog.Logger
	// Database is optional; when set, /health fails while it is unreachable
	Database       Pinger
}

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	port   int
	deps   Dependencies
	logger zerolog.Logger
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(port int, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &Server{
		echo:   e,
		port:   port,
		deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := server.logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = server.logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	server.setupRoutes()
	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/webhooks/messages", s.receiveMessage)

	v1.POST("/conversations/:id/pause", s.pauseConversation)
	v1.POST("/conversations/:id/resume", s.resumeConversation)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check: database unreachable")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": "unreachable",
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Handler exposes the router, for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("api server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
