package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cyphera/stripe-sync/internal/config"
	"github.com/cyphera/stripe-sync/internal/metrics"
	syncpkg "github.com/cyphera/stripe-sync/internal/sync"
	"github.com/cyphera/stripe-sync/internal/webhook"
)

// Server mounts the HTTP surface: the webhook receiver, health and metrics
// probes, and the authenticated sync trigger endpoints.
type Server struct {
	cfg           *config.Config
	webhookRouter *webhook.Router
	registry      *webhook.Registry
	engine        *syncpkg.Engine
	accountID     string
	logger        *zap.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, webhookRouter *webhook.Router, registry *webhook.Registry, engine *syncpkg.Engine, accountID string, logger *zap.Logger) *Server {
	return &Server{
		cfg:           cfg,
		webhookRouter: webhookRouter,
		registry:      registry,
		engine:        engine,
		accountID:     accountID,
		logger:        logger,
	}
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/stripe-webhooks/:uuid", s.handleWebhook)

	authed := router.Group("/", s.requireAPIKey())
	authed.POST("/sync", s.handleSync)
	authed.POST("/sync/single/:entityId", s.handleSyncSingle)
	authed.POST("/cron/daily", s.cronHandler(24*time.Hour))
	authed.POST("/cron/weekly", s.cronHandler(7*24*time.Hour))
	authed.POST("/cron/monthly", s.cronHandler(30*24*time.Hour))

	return router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", zap.String("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireAPIKey guards operator endpoints. With no API_KEY configured the
// endpoints stay open, which is the expected mode for local development.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader("Authorization")
		if after, ok := cutBearer(key); ok {
			key = after
		}
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if key != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func cutBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], true
	}
	return header, false
}

// handleWebhook verifies and applies one event. The endpoint secret comes
// from the managed endpoint addressed by the path uuid, falling back to the
// statically configured secret for endpoints created out of band.
func (s *Server) handleWebhook(c *gin.Context) {
	start := time.Now()
	payload, err := c.GetRawData()
	if err != nil {
		metrics.ObserveWebhook("unknown", metrics.OutcomeRejected, start)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	secret, accountID, err := s.registry.SecretForEndpoint(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		if s.cfg.StripeWebhookSecret == "" {
			s.logger.Warn("Webhook for unknown endpoint", zap.String("uuid", c.Param("uuid")))
			metrics.ObserveWebhook("unknown", metrics.OutcomeRejected, start)
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown webhook endpoint"})
			return
		}
		secret, accountID = s.cfg.StripeWebhookSecret, s.accountID
	}

	result, err := s.webhookRouter.Process(c.Request.Context(), payload,
		c.GetHeader("Stripe-Signature"), secret, accountID)
	if err != nil {
		var sigErr *webhook.ErrSignature
		if errors.As(err, &sigErr) {
			metrics.ObserveWebhook("unknown", metrics.OutcomeRejected, start)
		} else {
			metrics.ObserveWebhook("unknown", metrics.OutcomeFailed, start)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := metrics.OutcomeProcessed
	if result.Ignored {
		outcome = metrics.OutcomeIgnored
	}
	metrics.ObserveWebhook(result.EventType, outcome, start)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type syncRequest struct {
	Object                  string `json:"object"`
	Created                 int64  `json:"created"`
	BackfillRelatedEntities *bool  `json:"backfillRelatedEntities"`
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Object == "" {
		req.Object = syncpkg.ObjectAll
	}

	summary, err := s.engine.ProcessUntilDone(c.Request.Context(), s.accountID, syncpkg.BackfillParams{
		Object:          req.Object,
		CreatedGTE:      req.Created,
		TriggeredBy:     "api",
		BackfillRelated: req.BackfillRelatedEntities,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for object, n := range summary.Processed {
		metrics.BackfillRecords.WithLabelValues(object).Add(float64(n))
	}
	metrics.SyncRuns.WithLabelValues("complete").Inc()
	c.JSON(http.StatusOK, gin.H{
		"run_started_at": summary.RunStartedAt,
		"processed":      summary.Processed,
	})
}

func (s *Server) handleSyncSingle(c *gin.Context) {
	entityID := c.Param("entityId")
	record, err := s.engine.SyncSingleEntity(c.Request.Context(), s.accountID, entityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true, "id": record["id"]})
}

// cronHandler backfills everything created within the trailing window.
func (s *Server) cronHandler(window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		createdGTE := time.Now().Add(-window).Unix()
		summary, err := s.engine.ProcessUntilDone(c.Request.Context(), s.accountID, syncpkg.BackfillParams{
			Object:      syncpkg.ObjectAll,
			CreatedGTE:  createdGTE,
			TriggeredBy: "cron",
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"run_started_at": summary.RunStartedAt,
			"processed":      summary.Processed,
		})
	}
}
