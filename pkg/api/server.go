// Package api is the HTTP front door: SSE streaming endpoints for chat and
// workflow execution, workflow inspection, approval ingestion, health, and
// metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/maestro/pkg/approval"
	"github.com/codeready-toolchain/maestro/pkg/chat"
	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/intent"
	"github.com/codeready-toolchain/maestro/pkg/queue"
	"github.com/codeready-toolchain/maestro/pkg/stream"
	"github.com/codeready-toolchain/maestro/pkg/workflow"
)

// Server wires the HTTP routes to the orchestration components.
type Server struct {
	cfg        *config.Config
	store      *checkpoint.Store
	engine     *workflow.Engine
	pool       *queue.WorkerPool
	approvals  *approval.Manager
	chat       *chat.Handler
	classifier *intent.Classifier
	hub        *stream.Hub
	listener   *stream.Listener

	httpSrv *http.Server
}

// NewServer creates the Server. Start binds and serves.
func NewServer(
	cfg *config.Config,
	store *checkpoint.Store,
	engine *workflow.Engine,
	pool *queue.WorkerPool,
	approvals *approval.Manager,
	chatHandler *chat.Handler,
	classifier *intent.Classifier,
	hub *stream.Hub,
	listener *stream.Listener,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		pool:       pool,
		approvals:  approvals,
		chat:       chatHandler,
		classifier: classifier,
		hub:        hub,
		listener:   listener,
	}
}

// Router builds the echo instance with middleware and routes.
func (s *Server) Router() *echo.Echo {
	e := echo.New()

	e.Use(securityHeaders())
	e.Use(requestLogging(s.cfg.TraceSampling))
	e.Use(apiKeyAuth(s.cfg.APIKey))

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/chat/stream", s.chatStreamHandler)
	v1.POST("/execute/stream", s.executeStreamHandler)
	v1.GET("/workflows/:id", s.getWorkflowHandler)
	v1.POST("/workflows/:id/resume", s.resumeWorkflowHandler)
	v1.POST("/workflows/:id/approval", s.approvalHandler)
	v1.POST("/approvals/webhook", s.approvalWebhookHandler)

	return e
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "addr", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
