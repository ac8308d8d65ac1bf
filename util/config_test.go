package util

import (
	"testing"

	"github.com/anterales/relay/relayerr"
)

func baseConfig() *AppConfig {
	c := &AppConfig{}
	c.Conf.Hostname = "relay.example"
	c.Conf.Port = 8080
	return c
}

func TestValidateDefaults(t *testing.T) {
	c := baseConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if c.Conf.ClientPoolSize != 20 {
		t.Errorf("Expected default pool size 20, got %d", c.Conf.ClientPoolSize)
	}
	if c.Conf.FailureThreshold != 5 {
		t.Errorf("Expected default failure threshold 5, got %d", c.Conf.FailureThreshold)
	}
	if c.Conf.SledPath == "" {
		t.Error("Validate should default the store path")
	}
}

func TestValidateMissingHostname(t *testing.T) {
	c := &AppConfig{}
	c.Conf.Port = 8080

	err := c.Validate()
	if err == nil {
		t.Fatal("Expected error for missing hostname")
	}
	if relayerr.KindOf(err) != relayerr.ConfigInvalid {
		t.Errorf("Expected ConfigInvalid, got %s", relayerr.KindOf(err))
	}
}

func TestValidatePortRange(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		c := baseConfig()
		c.Conf.Port = port
		if err := c.Validate(); err == nil {
			t.Errorf("Expected error for port %d", port)
		}
	}
}

func TestValidateTLSPair(t *testing.T) {
	c := baseConfig()
	c.Conf.TLSCert = "/etc/relay/cert.pem"

	if err := c.Validate(); err == nil {
		t.Error("Expected error when only TLS_CERT is set")
	}

	c.Conf.TLSKey = "/etc/relay/key.pem"
	if err := c.Validate(); err != nil {
		t.Errorf("Cert and key together should validate: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HOSTNAME", "other.example")
	t.Setenv("PORT", "9999")
	t.Setenv("HTTPS", "true")
	t.Setenv("RESTRICTED_MODE", "1")
	t.Setenv("RELAY_FAILURE_THRESHOLD", "9")

	c := baseConfig()
	applyEnv(c)

	if c.Conf.Hostname != "other.example" {
		t.Errorf("HOSTNAME override not applied, got %q", c.Conf.Hostname)
	}
	if c.Conf.Port != 9999 {
		t.Errorf("PORT override not applied, got %d", c.Conf.Port)
	}
	if !c.Conf.HTTPS {
		t.Error("HTTPS=true should set the flag")
	}
	if !c.Conf.RestrictedMode {
		t.Error("RESTRICTED_MODE=1 should set the flag")
	}
	if c.Conf.FailureThreshold != 9 {
		t.Errorf("RELAY_FAILURE_THRESHOLD override not applied, got %d", c.Conf.FailureThreshold)
	}
}

func TestApplyEnvIgnoresBadInt(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	c := baseConfig()
	applyEnv(c)

	if c.Conf.Port != 8080 {
		t.Errorf("Bad int should leave previous value, got %d", c.Conf.Port)
	}
}

func TestURLHelpers(t *testing.T) {
	c := baseConfig()
	c.Conf.HTTPS = true

	if c.BaseURL() != "https://relay.example" {
		t.Errorf("Unexpected base URL %q", c.BaseURL())
	}
	if c.ActorIRI() != "https://relay.example/actor" {
		t.Errorf("Unexpected actor IRI %q", c.ActorIRI())
	}
	if c.KeyID() != "https://relay.example/actor#main-key" {
		t.Errorf("Unexpected key id %q", c.KeyID())
	}
	if c.InboxIRI() != "https://relay.example/inbox" {
		t.Errorf("Unexpected inbox IRI %q", c.InboxIRI())
	}

	c.Conf.HTTPS = false
	if c.BaseURL() != "http://relay.example" {
		t.Errorf("Plain HTTP base URL wrong: %q", c.BaseURL())
	}
}

func TestLocalDomainList(t *testing.T) {
	c := baseConfig()

	if got := c.LocalDomainList(); got != nil {
		t.Errorf("Empty LOCAL_DOMAINS should yield nil, got %v", got)
	}

	c.Conf.LocalDomains = "a.example, b.example,,  c.example "
	got := c.LocalDomainList()
	want := []string{"a.example", "b.example", "c.example"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d domains, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Domain %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
