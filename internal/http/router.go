package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/saker-ai/xiaozhi-voice/internal/transcript"
	"github.com/saker-ai/xiaozhi-voice/pkg/xiaozhi"
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Abort(ctx context.Context) error
	Goodbye(ctx context.Context) error
	Status() xiaozhi.Status
}

// Options selects the optional routes.
type Options struct {
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
	// Transcripts enables /transcripts when set.
	Transcripts *transcript.Store
}

// NewRouter builds the local control API.
func NewRouter(ctrl Controller, opts Options, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	})

	router.POST("/listen/start", action(ctrl.StartListening, ctrl))
	router.POST("/listen/stop", action(ctrl.StopListening, ctrl))
	router.POST("/abort", action(ctrl.Abort, ctrl))
	router.POST("/goodbye", action(ctrl.Goodbye, ctrl))

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.Transcripts != nil {
		mountTranscripts(router, opts.Transcripts)
	}
	return router
}

func action(fn func(context.Context) error, ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, xiaozhi.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, xiaozhi.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func mountTranscripts(router *gin.Engine, store *transcript.Store) {
	router.GET("/transcripts", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.List())
	})
	router.GET("/transcripts/:id", func(c *gin.Context) {
		entries, err := store.Read(c.Param("id"))
		if err != nil {
			c.JSON(transcriptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	})
	router.DELETE("/transcripts/:id", func(c *gin.Context) {
		if err := store.Delete(c.Param("id")); err != nil {
			c.JSON(transcriptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func transcriptStatus(err error) int {
	switch {
	case errors.Is(err, transcript.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, transcript.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
