package web

import (
	"testing"

	"github.com/anterales/relay/util"
)

func webTestConf() *util.AppConfig {
	c := &util.AppConfig{}
	c.Conf.Hostname = "relay.example"
	c.Conf.HTTPS = true
	c.Conf.Port = 8080
	return c
}

func TestGetWebfingerRelayAccount(t *testing.T) {
	conf := webTestConf()

	tests := []string{
		"acct:relay@relay.example",
		"relay@relay.example",
		"https://relay.example/actor",
	}

	for _, resource := range tests {
		t.Run(resource, func(t *testing.T) {
			err, resp := GetWebfinger(resource, conf)
			if err != nil {
				t.Fatalf("GetWebfinger(%q) failed: %v", resource, err)
			}

			if resp["subject"] != "acct:relay@relay.example" {
				t.Errorf("Unexpected subject %v", resp["subject"])
			}

			links, ok := resp["links"].([]map[string]interface{})
			if !ok || len(links) != 1 {
				t.Fatalf("Expected one link, got %v", resp["links"])
			}
			if links[0]["href"] != "https://relay.example/actor" {
				t.Errorf("Link should point at the actor, got %v", links[0]["href"])
			}
			if links[0]["type"] != "application/activity+json" {
				t.Errorf("Link type wrong: %v", links[0]["type"])
			}
		})
	}
}

func TestGetWebfingerUnknownResource(t *testing.T) {
	conf := webTestConf()

	for _, resource := range []string{
		"acct:someone@relay.example",
		"acct:relay@other.example",
		"",
	} {
		err, _ := GetWebfinger(resource, conf)
		if err == nil {
			t.Errorf("Expected error for %q", resource)
		}
	}
}

func TestGetActorDocument(t *testing.T) {
	conf := webTestConf()
	pem := "-----BEGIN PUBLIC KEY-----\nMA==\n-----END PUBLIC KEY-----"

	actor := GetActor(conf, pem)

	if actor["id"] != "https://relay.example/actor" {
		t.Errorf("Unexpected actor id %v", actor["id"])
	}
	if actor["type"] != "Application" {
		t.Errorf("Relay actor should be an Application, got %v", actor["type"])
	}
	if actor["inbox"] != "https://relay.example/inbox" {
		t.Errorf("Unexpected inbox %v", actor["inbox"])
	}

	endpoints, ok := actor["endpoints"].(map[string]interface{})
	if !ok || endpoints["sharedInbox"] != "https://relay.example/inbox" {
		t.Errorf("Shared inbox should be advertised, got %v", actor["endpoints"])
	}

	key, ok := actor["publicKey"].(map[string]interface{})
	if !ok {
		t.Fatal("Actor should embed its public key")
	}
	if key["id"] != "https://relay.example/actor#main-key" {
		t.Errorf("Key id wrong: %v", key["id"])
	}
	if key["owner"] != "https://relay.example/actor" {
		t.Errorf("Key owner wrong: %v", key["owner"])
	}
}
