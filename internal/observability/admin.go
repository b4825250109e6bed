package observability

import (
	"net/http"
	"time"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionInfo is the admin view of one live session.
type SessionInfo struct {
	ID              string    `json:"id"`
	Peer            string    `json:"peer"`
	Remote          string    `json:"remote"`
	Transport       string    `json:"transport"`
	OpenedAt        time.Time `json:"opened_at"`
	Objects         int       `json:"objects"`
	Listeners       int       `json:"listeners"`
	PendingOutbound int       `json:"pending_outbound"`
	PendingInbound  int       `json:"pending_inbound"`
}

type SessionSource interface {
	Sessions() []SessionInfo
}

type DirectorySource interface {
	Snapshot() directory.Bindings
}

// NewAdminRouter builds the admin HTTP surface. dir may be nil; CORS is
// only mounted when corsOrigins is non-empty.
func NewAdminRouter(node string, sessions SessionSource, dir DirectorySource, corsOrigins []string) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(Logger("admin")), RequestMetricsMiddleware(node))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": node})
	})
	r.GET("/sessions", func(c *gin.Context) {
		out := sessions.Sessions()
		if out == nil {
			out = []SessionInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})
	r.GET("/directory", func(c *gin.Context) {
		if dir == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no directory configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": dir.Snapshot()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
