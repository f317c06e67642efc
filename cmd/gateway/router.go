package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourusername/aleph-gateway/pkg/aleph"
	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

// --- Error Handling ---

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Detail)
}

// statusFor maps the catalog error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrQuery):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, catalog.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrTransport), errors.Is(err, catalog.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func apiError(err error) *APIError {
	code := statusFor(err)
	return &APIError{Code: code, Message: http.StatusText(code), Detail: err.Error()}
}

func AbortWithError(c *gin.Context, err error) {
	e := apiError(err)
	if e.Code >= http.StatusInternalServerError {
		slog.Error("api error", "path", c.Request.URL.Path, "status", e.Code, "error", err)
	} else {
		slog.Info("api request rejected", "path", c.Request.URL.Path, "status", e.Code, "error", err)
	}

	c.AbortWithStatusJSON(e.Code, gin.H{
		"status":  "error",
		"error":   e.Message,
		"detail":  e.Detail,
		"code":    e.Code,
		"traceId": c.GetString("TraceID"),
	})
}

func badRequest(c *gin.Context, message string) {
	AbortWithError(c, &catalog.QueryError{Reason: message})
}

// --- Middleware ---

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("TraceID", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("TraceID"),
		)
	}
}

func setupRouter(client *aleph.Client) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("aleph-gateway"))
	r.Use(requestID(), accessLog())

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "UP", "time": time.Now()})
	})

	h := &handlers{client: client}
	api := r.Group("/api")
	api.GET("/status", h.status)

	oaiGroup := api.Group("/oai")
	oaiGroup.GET("/records", h.listRecords)
	oaiGroup.GET("/records/:doc", h.getRecord)

	x := api.Group("/x")
	x.GET("/system-numbers", h.systemNumbers)
	x.GET("/system-number", h.systemNumber)
	x.GET("/pages", h.pages)

	api.GET("/z3950/search", h.z3950Search)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "Not Found", "code": http.StatusNotFound})
	})

	return r
}
