package web

import (
	"fmt"
	"strings"

	"github.com/anterales/relay/util"
)

// GetWebfinger answers acct:relay@<hostname> with a link to the actor
// document. Anything else is not found.
func GetWebfinger(resource string, conf *util.AppConfig) (error, map[string]interface{}) {
	subject := fmt.Sprintf("acct:relay@%s", conf.Conf.Hostname)

	trimmed := strings.TrimPrefix(resource, "acct:")
	if resource != subject && trimmed != "relay@"+conf.Conf.Hostname && resource != conf.ActorIRI() {
		return fmt.Errorf("unknown resource %q", resource), nil
	}

	return nil, map[string]interface{}{
		"subject": subject,
		"aliases": []string{conf.ActorIRI()},
		"links": []map[string]interface{}{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": conf.ActorIRI(),
			},
		},
	}
}
