package web

import (
	"strings"

	"github.com/anterales/relay/util"
)

// GetActor renders the relay's own actor document. The relay is an
// Application actor; peers deliver to its shared inbox and verify our
// signatures against the embedded key.
func GetActor(conf *util.AppConfig, publicKeyPem string) map[string]interface{} {
	actorIRI := conf.ActorIRI()

	return map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                actorIRI,
		"type":              "Application",
		"preferredUsername": "relay",
		"name":              util.GetNameAndVersion(),
		"summary":           conf.Conf.LocalBlurb,
		"url":               conf.BaseURL(),
		"inbox":             conf.InboxIRI(),
		"outbox":            conf.BaseURL() + "/outbox",
		"followers":         conf.BaseURL() + "/followers",
		"following":         conf.BaseURL() + "/following",
		"endpoints": map[string]interface{}{
			"sharedInbox": conf.InboxIRI(),
		},
		"manuallyApprovesFollowers": false,
		"publicKey": map[string]interface{}{
			"id":           conf.KeyID(),
			"owner":        actorIRI,
			"publicKeyPem": strings.TrimSpace(publicKeyPem) + "\n",
		},
	}
}
