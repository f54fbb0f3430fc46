package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/httpmw"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/ingress"
	"github.com/relaydev/relay/internal/queue"
)

// server wraps the HTTP listener and its routes.
type server struct {
	httpSrv *http.Server
	log     *logger.Logger
}

func newServer(cfg *config.Config, controller *ingress.Controller, q queue.Queue, pool *db.Pool, log *logger.Logger) *server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "relay"))

	controller.RegisterRoutes(engine)

	engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Reader().PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		depth, err := q.Size(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "queue": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue_depth": depth})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		},
		log: log,
	}
}

func (s *server) start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *server) stop(ctx context.Context) {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown error", zap.Error(err))
	}
}
