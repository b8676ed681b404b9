package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the admin RPCs on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/status", h.HandleStatus)
	rg.POST("/toggle", h.HandleToggle)
	rg.POST("/bot-status", h.HandleBotStatus)
	rg.POST("/exit", h.HandleExit)
}

// NewRouter builds the admin engine. A non-empty token guards /v1/admin.
func NewRouter(h *Handlers, token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/healthz", HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1/admin")
	if token != "" {
		v1.Use(BearerAuth(token))
	}
	RegisterRoutes(v1, h)
	return r
}

// NewServer wraps the router in an http.Server listening on addr.
func NewServer(addr string, h *Handlers, token string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h, token),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// BearerAuth rejects requests whose Authorization header does not carry token.
func BearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		log.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
