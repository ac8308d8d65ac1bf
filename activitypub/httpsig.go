package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"code.superseriousbusiness.org/httpsig"

	"github.com/anterales/relay/relayerr"
)

// DateSkew is the accepted clock skew on the Date header, either side.
const DateSkew = time.Hour

// replayWindow is how long a (keyId, signature) pair is remembered.
const replayWindow = 5 * time.Minute

// Signer signs outgoing requests with the relay's key.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

func NewSigner(key *rsa.PrivateKey, keyID string) *Signer {
	return &Signer{key: key, keyID: keyID}
}

// SignRequest signs req over (request-target), host, date and digest. The
// Date header is set here, in UTC, so the signature and the header agree.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(s.key, s.keyID, req, body)
}

// Digest computes the Digest header value for a body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// CheckDigest compares the Digest header against the received body. The
// digest is checked even when signature validation is disabled.
func CheckDigest(req *http.Request, body []byte) error {
	header := req.Header.Get("Digest")
	if header == "" {
		return relayerr.E(relayerr.DigestMismatch, "missing Digest header")
	}
	if !strings.EqualFold(strings.SplitN(header, "=", 2)[0], "SHA-256") {
		return relayerr.E(relayerr.DigestMismatch, "unsupported digest algorithm")
	}
	if header != Digest(body) && !strings.EqualFold(header, Digest(body)) {
		return relayerr.E(relayerr.DigestMismatch, "digest does not match body")
	}
	return nil
}

// CheckDate rejects requests whose Date header falls outside the skew
// window around now.
func CheckDate(req *http.Request, now time.Time) error {
	raw := req.Header.Get("Date")
	if raw == "" {
		return relayerr.E(relayerr.SignatureInvalid, "missing Date header")
	}
	sent, err := http.ParseTime(raw)
	if err != nil {
		return relayerr.Wrap(relayerr.SignatureInvalid, "unparseable Date header", err)
	}
	diff := now.Sub(sent)
	if diff < 0 {
		diff = -diff
	}
	if diff > DateSkew {
		return relayerr.E(relayerr.SignatureInvalid, "Date header outside accepted window")
	}
	return nil
}

// KeyResolver turns a signature keyId into a public key. Implemented by the
// actor resolver.
type KeyResolver interface {
	PublicKey(keyID string) (*rsa.PublicKey, string, error)
}

// Verifier checks inbound signatures. It keeps a short replay cache of
// seen (keyId, signature) pairs.
type Verifier struct {
	resolver KeyResolver
	validate bool

	mu    sync.Mutex
	seen  map[string]time.Time
	sweep time.Time
}

func NewVerifier(resolver KeyResolver, validate bool) *Verifier {
	return &Verifier{
		resolver: resolver,
		validate: validate,
		seen:     make(map[string]time.Time),
	}
}

// VerifyRequest validates the digest, the Date window, the signature and
// the replay cache. It returns the actor IRI that controls the signing key,
// or "" when validation is disabled. Digest checking is never skipped.
func (v *Verifier) VerifyRequest(req *http.Request, body []byte) (string, error) {
	if err := CheckDigest(req, body); err != nil {
		return "", err
	}

	if !v.validate {
		return "", nil
	}

	if err := CheckDate(req, time.Now().UTC()); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", relayerr.Wrap(relayerr.SignatureInvalid, "parsing Signature header", err)
	}

	keyID := verifier.KeyId()
	pubKey, actorIRI, err := v.resolver.PublicKey(keyID)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", relayerr.Wrap(relayerr.SignatureInvalid, "signature verification failed", err)
	}

	if v.replayed(keyID + "\x00" + req.Header.Get("Signature")) {
		return "", relayerr.E(relayerr.SignatureInvalid, "replayed signature")
	}

	return actorIRI, nil
}

func (v *Verifier) replayed(key string) bool {
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.sweep) > replayWindow {
		for k, t := range v.seen {
			if now.Sub(t) > replayWindow {
				delete(v.seen, k)
			}
		}
		v.sweep = now
	}

	if t, ok := v.seen[key]; ok && now.Sub(t) <= replayWindow {
		return true
	}
	v.seen[key] = now
	return false
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey. Both PKIX and
// PKCS1 encodings appear in the wild.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
