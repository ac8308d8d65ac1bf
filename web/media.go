package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/anterales/relay/db"
)

// HandleMedia redirects a proxied media uuid to its remote URL.
func HandleMedia(c *gin.Context, database *db.DB) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown media"})
		return
	}

	err2, entry := database.ReadMedia(id)
	if err2 != nil || entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown media"})
		return
	}

	c.Redirect(http.StatusFound, entry.RemoteURL)
}
