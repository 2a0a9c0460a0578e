package upend

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// Router builds the admin HTTP surface.
func (s *Service) Router() *gin.Engine {
	observability.RegisterMetrics()
	node := s.sup.Node()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.NodeLogger("upend", node)))
	r.Use(observability.RequestMetricsMiddleware(node))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "upend",
			"node":      node,
			"version":   version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.sup.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":        ready,
			"active_links": s.ActiveLinks(),
			"component":    "upend",
			"version":      version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessions := r.Group("/sessions")
	if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
		sessions.Use(auth.RequireBearer(auth.StaticToken{Token: token}))
	}

	sessions.GET("", func(c *gin.Context) {
		views, err := s.sup.Sessions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if views == nil {
			views = []SessionView{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	})

	sessions.DELETE("/:id", func(c *gin.Context) {
		id := c.Param("id")
		found, err := s.sup.Terminate(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"terminated": id})
	})
	return r
}

// LinkRouter serves WebSocket downends at /link. It is mounted on its own
// listener so the admin surface can stay private.
func (s *Service) LinkRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.NodeLogger("upend", s.sup.Node())))
	r.GET("/link", gin.WrapF(s.WebSocketHandler()))
	return r
}
