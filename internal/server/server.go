package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradejournal/internal/auth"
	"tradejournal/internal/charts"
	"tradejournal/internal/models"
)

// TradeLookup answers whether a trade exists and belongs to a user.
type TradeLookup interface {
	TradeOwnedBy(ctx context.Context, tradeID string, userID int64) (bool, error)
}

type Server struct {
	cfg        models.Config
	router     *gin.Engine
	httpServer *http.Server
	charts     *charts.Service
	trades     TradeLookup
	logger     zerolog.Logger
}

func NewServer(
	cfg models.Config,
	svc *charts.Service,
	trades TradeLookup,
	verifier *auth.Verifier,
	gatherer prometheus.Gatherer,
	logger zerolog.Logger,
) *Server {
	r := gin.New()
	r.Use(requestLogger(logger))
	r.Use(gin.CustomRecovery(handlePanics(logger)))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}

	s := &Server{
		cfg:    cfg,
		router: r,
		charts: svc,
		trades: trades,
		logger: logger,
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1", verifier.Middleware())
	api.POST("/trades/:id/chart", s.handleUploadChart)
	api.GET("/trades/:id/chart", s.handleGetChart)
	api.DELETE("/trades/:id/chart", s.handleDeleteChart)

	s.httpServer = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A shutdown through Stop is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ServerAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Stop: %w", err)
	}
	return nil
}
