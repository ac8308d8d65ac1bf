package web

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/util"
)

// instanceView is one row on the index page.
type instanceView struct {
	Host        string
	Software    string
	Version     string
	Description string
	RegOpen     bool
}

// ConnectedInstances joins listeners with their discovered node metadata,
// sorted by host for a stable page.
func ConnectedInstances(database *db.DB) (error, []instanceView) {
	err, listeners := database.ReadAllListeners()
	if err != nil {
		return err, nil
	}

	views := make([]instanceView, 0, len(listeners))
	for _, listener := range listeners {
		host, herr := util.Domain(listener.ActorIRI)
		if herr != nil {
			continue
		}
		view := instanceView{Host: host}

		if err, node := database.ReadNode(listener.ActorIRI); err == nil && node != nil {
			view.Software = node.Software
			view.Version = node.Version
			view.Description = node.Description
			view.RegOpen = node.RegOpen
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Host < views[j].Host })
	return nil, views
}

// HandleIndex renders the operator-facing HTML index of connected servers.
func HandleIndex(c *gin.Context, conf *util.AppConfig, database *db.DB) {
	err, instances := ConnectedInstances(database)
	if err != nil {
		c.HTML(http.StatusInternalServerError, "index.html", gin.H{
			"Title": util.GetNameAndVersion(),
			"Error": "something went wrong",
		})
		return
	}

	var blocks []string
	if conf.Conf.PublishBlocks {
		_, blocks = database.ReadBlocks()
	}

	c.HTML(http.StatusOK, "index.html", gin.H{
		"Title":       util.GetNameAndVersion(),
		"Hostname":    conf.Conf.Hostname,
		"LocalBlurb":  conf.Conf.LocalBlurb,
		"FooterBlurb": conf.Conf.FooterBlurb,
		"SourceRepo":  conf.Conf.SourceRepo,
		"Commit":      conf.Conf.RepositoryCommit,
		"Version":     util.GetVersion(),
		"Instances":   instances,
		"Blocks":      blocks,
		"Restricted":  database.RestrictedMode(conf.Conf.RestrictedMode),
	})
}

// nodeFor is a tiny helper for templates and feeds.
func nodeFor(database *db.DB, listenerRef string) *domain.Node {
	err, node := database.ReadNode(listenerRef)
	if err != nil {
		return nil
	}
	return node
}
