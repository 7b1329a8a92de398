// Package operator serves the operator HTTP API: manual sync, pause, rollout actions, status and
// sync history, plus the push webhook of the desired-state source.
package operator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"gitopsdelivery/pkg/agents/summary"
	"gitopsdelivery/pkg/api/v1alpha1"
	"gitopsdelivery/pkg/controllers/delivery"
	"gitopsdelivery/pkg/controllers/drift"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/history"
)

const (
	RootPath = "/api"
	Version1 = "/v1"

	shutdownTimeout = 5 * time.Second
)

// SyncLoop is the drift loop surface the API drives.
type SyncLoop interface {
	Trigger(reason drift.Trigger)
	RunCycle(ctx context.Context, trigger drift.Trigger) (*summary.Summary, error)
	Pause()
	Resume()
	Status() drift.Status
	History(ctx context.Context, key core.ResourceKey) ([]history.Entry, error)
}

// Rollouts is the delivery controller surface the API drives.
type Rollouts interface {
	Promote(ctx context.Context) error
	Rollback(ctx context.Context) error
	Status() delivery.Status
}

// Autoscaler exposes the latest autoscale decisions.
type Autoscaler interface {
	Decisions() []core.AutoscaleDecision
}

// Config wires a Server. Rollouts and Autoscaler are optional.
type Config struct {
	Address     string
	Application *v1alpha1.Application
	Sync        SyncLoop
	Rollouts    Rollouts
	Autoscaler  Autoscaler
	// WebhookSecret verifies push signatures. Without it pushes are rejected unless
	// AllowUnsignedWebhooks is set.
	WebhookSecret         []byte
	AllowUnsignedWebhooks bool
	Log                   logr.Logger
}

// Server is the operator API. It runs as a manager.Runnable.
type Server struct {
	cfg    Config
	router *gin.Engine
}

var _ manager.Runnable = (*Server)(nil)

// NewServer builds the router for cfg.
func NewServer(cfg Config) *Server {
	if cfg.Address == "" {
		cfg.Address = core.DefaultOperatorBindAddress
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	if cfg.Application == nil {
		cfg.Application = &v1alpha1.Application{}
	}
	if len(cfg.WebhookSecret) == 0 {
		if cfg.AllowUnsignedWebhooks {
			cfg.Log.Info("WARNING: no webhook secret configured; unsigned push notifications are accepted")
		} else {
			cfg.Log.Info("no webhook secret configured; push notifications are rejected")
		}
	}
	server := &Server{cfg: cfg}
	server.router = server.setupRoute()
	return server
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errorChan := make(chan error, 1)
	go func() {
		s.cfg.Log.Info("starting operator API", "address", s.cfg.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChan <- err
		}
		close(errorChan)
	}()

	select {
	case err, failed := <-errorChan:
		if failed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownContext)
}

func (s *Server) setupRoute() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.cfg.Log))

	// all requests start with /api
	api := router.Group(RootPath)

	// v1
	v1 := api.Group(Version1)
	{
		v1.POST("/webhook", s.webhookV1)
		v1.GET("/status", s.statusV1)
		v1.GET("/history/:kind/:namespace/:name", s.historyV1)
	}

	{
		sync := v1.Group("/sync")
		sync.POST("", s.syncV1)
		sync.POST("/pause", s.pauseV1)
		sync.POST("/resume", s.resumeV1)
	}

	{
		rollout := v1.Group("/rollout")
		rollout.POST("/promote", s.promoteV1)
		rollout.POST("/rollback", s.rollbackV1)
	}

	return router
}

func requestLogger(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.V(1).Info("operator request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client", c.ClientIP(),
		)
	}
}
