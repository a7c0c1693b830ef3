// Package httpapi is the HTTP façade over the wallet engine, alerts and prices.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/metrics"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Engine is the wallet surface served over HTTP.
type Engine interface {
	StartHold(ctx context.Context, request ledger.HoldRequest) (ledger.HoldResult, error)
	SettleChatTurn(ctx context.Context, request ledger.SettleRequest) (ledger.SettleResult, error)
	CancelChatHold(ctx context.Context, userID ledger.UserID, turnID ledger.TurnID) (ledger.CancelResult, error)
	ProvisionWallet(ctx context.Context, userID ledger.UserID, currency fx.Currency, creditLimit int64) (ledger.Wallet, error)
	Wallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	Grant(ctx context.Context, request ledger.CreditRequest) (ledger.Wallet, error)
	Refund(ctx context.Context, request ledger.CreditRequest) (ledger.Wallet, error)
	Adjust(ctx context.Context, request ledger.AdjustmentRequest) (ledger.Wallet, error)
	ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error)
}

// Alerts lists and acknowledges guardrail alerts.
type Alerts interface {
	ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error)
	Acknowledge(ctx context.Context, alertID string) (ledger.Alert, error)
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Dependencies are the services behind the routes. Metrics is optional.
type Dependencies struct {
	Engine    Engine
	Alerts    Alerts
	Prices    pricing.PriceLookup
	Converter pricing.CurrencyConverter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server serves the wallet API.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer validates dependencies and builds the router.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil || deps.Alerts == nil || deps.Prices == nil || deps.Converter == nil {
		return nil, fmt.Errorf("%w: engine, alerts, prices and converter are required", ledger.ErrInvalidServiceConfig)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "httpapi"))
	handler := &httpHandler{
		logger:    logger,
		engine:    deps.Engine,
		alerts:    deps.Alerts,
		prices:    deps.Prices,
		converter: deps.Converter,
		timeout:   cfg.RequestTimeout,
	}
	return &Server{cfg: cfg, router: setupRouter(cfg, handler, deps.Metrics), logger: logger}, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("walletd listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, collectors *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if collectors != nil {
		router.Use(observeRequests(collectors))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if collectors != nil {
		router.GET("/metrics", gin.WrapH(collectors.Handler()))
	}

	api := router.Group("/v1")
	api.POST("/chat/holds", handler.handleStartHold)
	api.POST("/chat/settle", handler.handleSettle)
	api.POST("/chat/cancel", handler.handleCancel)

	api.POST("/users/:userId/wallet", handler.handleProvisionWallet)
	api.GET("/users/:userId/wallet", handler.handleWallet)
	api.GET("/users/:userId/entries", handler.handleListEntries)
	api.POST("/users/:userId/grants", handler.handleGrant)
	api.POST("/users/:userId/refunds", handler.handleRefund)
	api.POST("/users/:userId/adjustments", handler.handleAdjust)

	api.GET("/alerts", handler.handleListAlerts)
	api.POST("/alerts/:alertId/ack", handler.handleAcknowledgeAlert)

	api.GET("/prices/active", handler.handleActivePrice)
	api.GET("/fx/convert", handler.handleConvert)

	return router
}

func observeRequests(collectors *metrics.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collectors.ObserveHTTP(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(startedAt))
	}
}
