package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cockpit/internal/broker"
	"cockpit/internal/cdp"
	"cockpit/internal/config"
	"cockpit/internal/gate"
	"cockpit/internal/hub"
	"cockpit/internal/inject"
	"cockpit/internal/logging"
	"cockpit/internal/orchestrator"
	"cockpit/internal/session"
	"cockpit/internal/subsession"
	"cockpit/internal/template"
)

// Deps collects every component the HTTP layer exposes.
type Deps struct {
	Config        *config.Config
	Adapter       cdp.API
	Gate          *gate.Gate
	Limiter       *gate.RateLimiter
	Hub           *hub.Hub
	Injector      *inject.Engine
	Sessions      *session.Coordinator
	Broker        *broker.Broker
	Templates     *template.Store
	Orchestrators *orchestrator.Engine
	Subsessions   *subsession.Tracker
	Gatherer      prometheus.Gatherer
	Logger        logging.Logger
}

// Server is the gin front door.
type Server struct {
	deps    Deps
	logger  logging.Logger
	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

// New builds the router. Call Run to serve.
func New(deps Deps) *Server {
	if deps.Config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		deps:    deps,
		logger:  logging.OrNop(deps.Logger),
		started: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Auth-Token"},
		MaxAge:          12 * time.Hour,
	}))
	engine.Use(s.requestLog())

	s.routes(engine)
	s.engine = engine
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/", gin.WrapF(s.deps.Hub.Handle))
	r.GET("/ws", gin.WrapF(s.deps.Hub.Handle))
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/auth/status", s.handleAuthStatus)
	api.POST("/auth/login", s.rateLimit(gate.BucketLogin), s.handleLogin)

	auth := api.Group("", s.requireAuth(), s.rateLimit(gate.BucketGeneral))

	auth.POST("/auth/logout", s.handleLogout)
	auth.POST("/auth/refresh", s.handleRefresh)
	auth.GET("/auth/session-info", s.handleSessionInfo)
	auth.GET("/auth/stats", s.handleAuthStats)
	auth.POST("/auth/clear-lockdown", s.handleClearLockdown)

	auth.GET("/sessions", s.handleListSessions)
	auth.GET("/session/:id", s.handleGetSession)
	auth.GET("/session/:id/messages", s.handleGetSession)
	auth.POST("/session/:id/inject", s.handleInjectSession)
	auth.POST("/switch-session", s.handleSwitchSession)
	auth.POST("/send", s.handleSend)
	auth.POST("/new-session", s.handleNewSession)
	auth.POST("/archive-session/:id", s.handleArchiveSession)

	auth.POST("/inject", s.handleInject)
	auth.GET("/inject/status", s.handleInjectStatus)
	auth.POST("/inject/configure", s.handleInjectConfigure)
	auth.GET("/inject/stats", s.handleInjectStats)
	auth.GET("/inject/best-method", s.handleBestMethod)
	auth.GET("/inject/queue", s.handleQueueList)
	auth.POST("/inject/queue", s.handleQueueAdd)
	auth.POST("/inject/queue/process", s.handleQueueProcess)
	auth.GET("/inject/queue/:id", s.handleQueueGet)
	auth.DELETE("/inject/queue/:id", s.handleQueueDelete)

	auth.GET("/permission/pending", s.handlePermissionPending)
	auth.POST("/permission/respond", s.handlePermissionRespond)
	auth.GET("/question/pending", s.handleQuestionPending)
	auth.POST("/question/respond", s.handleQuestionRespond)

	strict := s.rateLimit(gate.BucketStrict)
	auth.GET("/orchestrator/templates", s.handleTemplateList)
	auth.POST("/orchestrator/templates", strict, s.handleTemplateCreate)
	auth.POST("/orchestrator/templates/import", strict, s.handleTemplateImport)
	auth.GET("/orchestrator/templates/:id", s.handleTemplateGet)
	auth.PUT("/orchestrator/templates/:id", strict, s.handleTemplateUpdate)
	auth.DELETE("/orchestrator/templates/:id", strict, s.handleTemplateDelete)
	auth.POST("/orchestrator/templates/:id/duplicate", strict, s.handleTemplateDuplicate)
	auth.GET("/orchestrator/templates/:id/export", s.handleTemplateExport)

	auth.POST("/orchestrator/create", s.rateLimit(gate.BucketOrchestratorCreate), s.handleOrchestratorCreate)
	auth.GET("/orchestrator", s.handleOrchestratorList)
	auth.GET("/orchestrator/:id", s.handleOrchestratorGet)
	auth.GET("/orchestrator/:id/status", s.handleOrchestratorGet)
	auth.POST("/orchestrator/:id/start", s.handleOrchestratorStart)
	auth.POST("/orchestrator/:id/confirm-tasks", s.handleOrchestratorConfirm)
	auth.POST("/orchestrator/:id/pause", s.handleOrchestratorPause)
	auth.POST("/orchestrator/:id/resume", s.handleOrchestratorResume)
	auth.POST("/orchestrator/:id/cancel", s.handleOrchestratorCancel)
	auth.POST("/orchestrator/:id/message", s.handleOrchestratorMessage)
	auth.GET("/orchestrator/:id/workers", s.handleOrchestratorWorkers)
	auth.GET("/orchestrator/:id/workers/:taskId", s.handleWorkerGet)
	auth.POST("/orchestrator/:id/workers/:taskId/retry", s.handleWorkerRetry)
	auth.POST("/orchestrator/:id/workers/:taskId/cancel", s.handleWorkerCancel)

	auth.GET("/subsessions", s.handleSubsessionList)
	auth.POST("/subsessions", s.handleSubsessionLink)
	auth.DELETE("/subsessions/:childId", s.handleSubsessionUnlink)
	auth.POST("/subsessions/scan", s.handleSubsessionScan)
	auth.POST("/subsessions/watch", s.handleSubsessionWatch)

	auth.GET("/logs", s.handleLogs)
	auth.DELETE("/logs", s.handleLogsClear)
	auth.GET("/logs/stream", s.handleLogStream)
}

// Run serves until ctx is cancelled, then shuts down gracefully: shutdown
// broadcast, hub teardown, then http.Server.Shutdown with a 5 s backstop.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Host, s.deps.Config.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	s.deps.Hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Forced shutdown: %v", err)
		return s.httpSrv.Close()
	}
	return nil
}
