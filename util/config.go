package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/anterales/relay/relayerr"
)

const Name = "relay"
const ConfigFileName = "relay.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Hostname           string `yaml:"hostname"`
		Addr               string `yaml:"addr"`
		Port               int    `yaml:"port"`
		HTTPS              bool   `yaml:"https"`
		Debug              bool   `yaml:"debug"`
		RestrictedMode     bool   `yaml:"restrictedMode"`
		ValidateSignatures bool   `yaml:"validateSignatures"`
		PublishBlocks      bool   `yaml:"publishBlocks"`
		SledPath           string `yaml:"sledPath"`
		APIToken           string `yaml:"apiToken"`
		TLSKey             string `yaml:"tlsKey"`
		TLSCert            string `yaml:"tlsCert"`
		LocalDomains       string `yaml:"localDomains"`
		LocalBlurb         string `yaml:"localBlurb"`
		FooterBlurb        string `yaml:"footerBlurb"`
		SourceRepo         string `yaml:"sourceRepo"`
		RepositoryCommit   string `yaml:"repositoryCommitBase"`
		PrometheusAddr     string `yaml:"prometheusAddr"`
		PrometheusPort     int    `yaml:"prometheusPort"`
		ClientPoolSize     int    `yaml:"clientPoolSize"`
		OpenTelemetryURL   string `yaml:"openTelemetryUrl"`
		TelegramToken      string `yaml:"telegramToken"`
		TelegramAdmin      string `yaml:"telegramAdminHandle"`
		FailureThreshold   int    `yaml:"failureThreshold"`
	}
}

// ReadConf loads the embedded defaults, an optional relay.yaml next to the
// binary (or in the user config dir) and finally the environment on top.
// A .env file in the working directory is folded into the environment first.
func ReadConf() (*AppConfig, error) {

	// Best effort, most deployments configure through real env vars
	if err := godotenv.Load(); err == nil {
		log.Println("Config: loaded .env")
	}

	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		buf = embeddedConfig
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, relayerr.Wrap(relayerr.ConfigInvalid, "in config file", err)
	}

	applyEnv(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnv(c *AppConfig) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Printf("Config: ignoring %s=%q: %v", key, v, err)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setString("HOSTNAME", &c.Conf.Hostname)
	setString("ADDR", &c.Conf.Addr)
	setInt("PORT", &c.Conf.Port)
	setBool("HTTPS", &c.Conf.HTTPS)
	setBool("DEBUG", &c.Conf.Debug)
	setBool("RESTRICTED_MODE", &c.Conf.RestrictedMode)
	setBool("VALIDATE_SIGNATURES", &c.Conf.ValidateSignatures)
	setBool("PUBLISH_BLOCKS", &c.Conf.PublishBlocks)
	setString("SLED_PATH", &c.Conf.SledPath)
	setString("API_TOKEN", &c.Conf.APIToken)
	setString("TLS_KEY", &c.Conf.TLSKey)
	setString("TLS_CERT", &c.Conf.TLSCert)
	setString("LOCAL_DOMAINS", &c.Conf.LocalDomains)
	setString("LOCAL_BLURB", &c.Conf.LocalBlurb)
	setString("FOOTER_BLURB", &c.Conf.FooterBlurb)
	setString("SOURCE_REPO", &c.Conf.SourceRepo)
	setString("REPOSITORY_COMMIT_BASE", &c.Conf.RepositoryCommit)
	setString("PROMETHEUS_ADDR", &c.Conf.PrometheusAddr)
	setInt("PROMETHEUS_PORT", &c.Conf.PrometheusPort)
	setInt("CLIENT_POOL_SIZE", &c.Conf.ClientPoolSize)
	setString("OPENTELEMETRY_URL", &c.Conf.OpenTelemetryURL)
	setString("TELEGRAM_TOKEN", &c.Conf.TelegramToken)
	setString("TELEGRAM_ADMIN_HANDLE", &c.Conf.TelegramAdmin)
	setInt("RELAY_FAILURE_THRESHOLD", &c.Conf.FailureThreshold)
}

// Validate enforces the invariants a running relay depends on. Violations
// are fatal at startup.
func (c *AppConfig) Validate() error {
	if c.Conf.Hostname == "" {
		return relayerr.E(relayerr.ConfigInvalid, "HOSTNAME must be set")
	}
	if c.Conf.Port <= 0 || c.Conf.Port > 65535 {
		return relayerr.E(relayerr.ConfigInvalid, fmt.Sprintf("PORT %d out of range", c.Conf.Port))
	}
	if (c.Conf.TLSKey == "") != (c.Conf.TLSCert == "") {
		return relayerr.E(relayerr.ConfigInvalid, "TLS_KEY and TLS_CERT must be set together")
	}
	if c.Conf.ClientPoolSize <= 0 {
		c.Conf.ClientPoolSize = 20
	}
	if c.Conf.FailureThreshold <= 0 {
		c.Conf.FailureThreshold = 5
	}
	if c.Conf.SledPath == "" {
		c.Conf.SledPath = ResolveFilePath("relay-db")
	}
	return nil
}

// Scheme returns the URL scheme the relay advertises itself under.
func (c *AppConfig) Scheme() string {
	if c.Conf.HTTPS {
		return "https"
	}
	return "http"
}

// BaseURL is the public origin of the relay, e.g. "https://relay.example".
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Scheme(), c.Conf.Hostname)
}

// ActorIRI is the IRI of the relay's own actor document.
func (c *AppConfig) ActorIRI() string {
	return c.BaseURL() + "/actor"
}

// KeyID is the id of the relay's public key, embedded in the actor document.
func (c *AppConfig) KeyID() string {
	return c.ActorIRI() + "#main-key"
}

// InboxIRI is the relay's shared inbox.
func (c *AppConfig) InboxIRI() string {
	return c.BaseURL() + "/inbox"
}

// LocalDomainList splits LOCAL_DOMAINS into individual hosts.
func (c *AppConfig) LocalDomainList() []string {
	if c.Conf.LocalDomains == "" {
		return nil
	}
	parts := strings.Split(c.Conf.LocalDomains, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
