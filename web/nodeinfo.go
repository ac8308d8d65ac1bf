package web

import (
	"fmt"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/util"
)

// GetWellKnownNodeInfo points discovery at the 2.0 document.
func GetWellKnownNodeInfo(conf *util.AppConfig) map[string]interface{} {
	return map[string]interface{}{
		"links": []map[string]interface{}{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("%s/nodeinfo/2.0.json", conf.BaseURL()),
			},
		},
	}
}

// GetNodeInfo renders the relay's own nodeinfo 2.0 document. Peer count is
// the number of connected listeners; the relay stores no posts or users.
func GetNodeInfo(conf *util.AppConfig, database *db.DB) map[string]interface{} {
	peers := 0
	if err, listeners := database.ReadAllListeners(); err == nil {
		peers = len(listeners)
	}

	metadata := map[string]interface{}{
		"peers": peers,
	}
	if conf.Conf.PublishBlocks {
		_, blocks := database.ReadBlocks()
		metadata["blocks"] = blocks
	}

	return map[string]interface{}{
		"version": "2.0",
		"software": map[string]interface{}{
			"name":    util.Name,
			"version": util.GetVersion(),
		},
		"protocols":         []string{"activitypub"},
		"services":          map[string]interface{}{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": !conf.Conf.RestrictedMode,
		"usage": map[string]interface{}{
			"users": map[string]interface{}{"total": 0},
		},
		"metadata": metadata,
	}
}
