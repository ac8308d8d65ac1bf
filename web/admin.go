package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/util"
)

// domainRequest is the body of block/allow mutations.
type domainRequest struct {
	Domain string `json:"domain" binding:"required"`
}

// listenerRequest names a listener by actor IRI.
type listenerRequest struct {
	ActorIRI string `json:"actor_iri" binding:"required"`
}

// RegisterAdminRoutes wires the operator API under /api/v1/admin. All
// routes sit behind the bearer token middleware.
func RegisterAdminRoutes(group *gin.RouterGroup, database *db.DB, jobs activitypub.JobSubmitter) {
	group.GET("/blocks", func(c *gin.Context) {
		_, blocks := database.ReadBlocks()
		c.JSON(http.StatusOK, gin.H{"blocks": blocks})
	})

	group.POST("/blocks", func(c *gin.Context) {
		var req domainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MalformedActivity"})
			return
		}
		if err := database.AddBlock(req.Domain); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocked": req.Domain})
	})

	group.DELETE("/blocks", func(c *gin.Context) {
		var req domainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MalformedActivity"})
			return
		}
		if err := database.RemoveBlock(req.Domain); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unblocked": req.Domain})
	})

	group.GET("/allows", func(c *gin.Context) {
		_, allows := database.ReadAllows()
		c.JSON(http.StatusOK, gin.H{"allows": allows})
	})

	group.POST("/allows", func(c *gin.Context) {
		var req domainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MalformedActivity"})
			return
		}
		if err := database.AddAllow(req.Domain); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"allowed": req.Domain})
	})

	group.DELETE("/allows", func(c *gin.Context) {
		var req domainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MalformedActivity"})
			return
		}
		if err := database.RemoveAllow(req.Domain); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unallowed": req.Domain})
	})

	group.GET("/listeners", func(c *gin.Context) {
		err, listeners := database.ReadAllListeners()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"listeners": listeners})
	})

	group.DELETE("/listeners", func(c *gin.Context) {
		var req listenerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MalformedActivity"})
			return
		}
		err, listener := database.ReadListener(req.ActorIRI)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
			return
		}
		if listener != nil {
			if err := database.DeleteListener(req.ActorIRI); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
				return
			}
			// retract the relay's follow-back so the host stops sending
			err := jobs.Submit(domain.KindUndoFollow, domain.QueueAPI, domain.FollowPayload{
				ActorIRI: listener.ActorIRI,
				InboxIRI: listener.InboxIRI,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "StoreTransient"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"removed": req.ActorIRI})
	})
}

// RegisterPublicBlocks exposes the blocklist read-only when the operator
// opts in with PUBLISH_BLOCKS.
func RegisterPublicBlocks(g *gin.Engine, conf *util.AppConfig, database *db.DB) {
	if !conf.Conf.PublishBlocks {
		return
	}
	g.GET("/api/v1/blocks", func(c *gin.Context) {
		_, blocks := database.ReadBlocks()
		c.JSON(http.StatusOK, gin.H{"blocks": blocks})
	})
}
