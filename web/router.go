package web

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/util"
)

// NewRouter wires every public endpoint and the admin API. The caller
// owns the http.Server so it can shut the listener down gracefully.
func NewRouter(conf *util.AppConfig, database *db.DB, inbox *activitypub.Inbox, jobs activitypub.JobSubmitter, publicKeyPem string) *gin.Engine {
	if !conf.Conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.LoadHTMLGlob("web/templates/*")

	g.GET("/", func(c *gin.Context) {
		HandleIndex(c, conf, database)
	})

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/atom+xml; charset=utf-8")
		err, atom := GetJoinFeed(conf, database)
		if err != nil {
			c.Render(http.StatusNotFound, render.String{Format: ""})
		} else {
			c.Render(http.StatusOK, render.String{Format: atom})
		}
	})

	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	g.GET("/media/:uuid", func(c *gin.Context) {
		HandleMedia(c, database)
	})

	g.GET("/actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.JSON(http.StatusOK, GetActor(conf, publicKeyPem))
	})

	// Stricter rate limit for the inbox: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(activitypub.MaxBody)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		inbox.HandleInbox(c.Writer, c.Request)
	})

	nodeinfo := func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.JSON(http.StatusOK, GetNodeInfo(conf, database))
	}
	g.GET("/nodeinfo/2.0", nodeinfo)
	g.GET("/nodeinfo/2.0.json", nodeinfo)

	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.JSON(http.StatusOK, GetWellKnownNodeInfo(conf))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") && !strings.HasPrefix(resource, "http") {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
			return
		}
		err, resp := GetWebfinger(resource, conf)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		} else {
			c.JSON(http.StatusOK, resp)
		}
	})

	admin := g.Group("/api/v1/admin", BearerAuthMiddleware(conf.Conf.APIToken))
	RegisterAdminRoutes(admin, database, jobs)
	RegisterPublicBlocks(g, conf, database)

	return g
}
