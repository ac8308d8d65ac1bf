package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func UserAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub relay", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// GeneratePemKeypair creates the relay's RSA key pair. The private key is
// PKCS#8 so it round-trips with what other fediverse software emits.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privDER,
	})

	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// Authority returns the host[:port] part of an IRI, used to key per-host
// contact state and delivery serialization.
func Authority(iri string) (string, error) {
	parsed, err := url.Parse(iri)
	if err != nil {
		return "", fmt.Errorf("invalid IRI %q: %w", iri, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("no host in IRI %q", iri)
	}
	return parsed.Host, nil
}

// Domain returns the hostname of an IRI without the port.
func Domain(iri string) (string, error) {
	parsed, err := url.Parse(iri)
	if err != nil {
		return "", fmt.Errorf("invalid IRI %q: %w", iri, err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("no host in IRI %q", iri)
	}
	return parsed.Hostname(), nil
}
