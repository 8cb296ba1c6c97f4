package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nightjarhq/creditd/internal/renewal"
	"github.com/nightjarhq/creditd/internal/webhook"
	"github.com/nightjarhq/creditd/pkg/ledger"
	"go.uber.org/zap"
)

// Config aggregates runtime settings for the HTTP server.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	AdminTokenSecret string
	RenewalTimeout   time.Duration
}

// Deps carries the wired collaborators for the router.
type Deps struct {
	WebhookHandler *webhook.Handler
	Service        *ledger.Service
	Store          ledger.Store
	Scheduler      *renewal.Scheduler
	RateLimiter    *RateLimiter
	Logger         *zap.Logger
}

// NewRouter builds the gin engine: the webhook ingress endpoint plus the
// token-protected admin API.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payments", deps.RateLimiter.Middleware(), deps.WebhookHandler.Handle)

	handlers := &adminHandlers{
		service:        deps.Service,
		store:          deps.Store,
		scheduler:      deps.Scheduler,
		logger:         deps.Logger,
		renewalTimeout: cfg.RenewalTimeout,
	}
	admin := router.Group("/admin")
	admin.Use(RequireAdminToken(cfg.AdminTokenSecret, deps.Logger))
	admin.POST("/accounts", handlers.createAccount)
	admin.GET("/accounts/:user_id/balance", handlers.balance)
	admin.POST("/accounts/:user_id/grant", handlers.grant)
	admin.POST("/accounts/:user_id/spend", handlers.spend)
	admin.GET("/accounts/:user_id/transactions", handlers.transactions)
	admin.POST("/mappings", handlers.upsertMapping)
	admin.POST("/renewals/run", handlers.runRenewals)

	return router
}
