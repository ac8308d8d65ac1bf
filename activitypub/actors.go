package activitypub

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
)

// ActorTTL is how long a cached actor document is trusted before the
// resolver re-fetches it.
const ActorTTL = 24 * time.Hour

const maxActorBody = 256 * 1024

// ActorDocument is the JSON shape of a remote actor, reduced to the fields
// the relay consumes.
type ActorDocument struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Inbox     string `json:"inbox"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Icon struct {
		URL string `json:"url"`
	} `json:"icon"`
}

// DeliveryInbox prefers the shared inbox when the actor advertises one.
func (d *ActorDocument) DeliveryInbox() string {
	if d.Endpoints.SharedInbox != "" {
		return d.Endpoints.SharedInbox
	}
	return d.Inbox
}

// Resolver fetches and caches remote actor documents. Concurrent resolves
// of the same key coalesce onto one network request.
type Resolver struct {
	db        *db.DB
	client    *http.Client
	userAgent string
	group     singleflight.Group
}

func NewResolver(database *db.DB, client *http.Client, userAgent string) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{db: database, client: client, userAgent: userAgent}
}

// PublicKey resolves a signature keyId to the controlling actor's RSA key.
// Implements KeyResolver for the signature engine.
func (r *Resolver) PublicKey(keyID string) (*rsa.PublicKey, string, error) {
	actor, err := r.ResolveKey(keyID)
	if err != nil {
		return nil, "", err
	}
	key, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, "", relayerr.Wrap(relayerr.SignatureInvalid, "actor public key unparseable", err)
	}
	return key, actor.ActorIRI, nil
}

// ResolveKey returns the actor controlling keyID, from cache when fresh.
func (r *Resolver) ResolveKey(keyID string) (*domain.Actor, error) {
	err, cached := r.db.ReadActorByKeyID(keyID)
	if err == nil && cached != nil && time.Since(cached.SavedAt) < ActorTTL {
		return cached, nil
	}

	return r.fetch(keyID, strings.SplitN(keyID, "#", 2)[0])
}

// ResolveActor returns the actor document for an actor IRI, from cache
// when fresh.
func (r *Resolver) ResolveActor(actorIRI string) (*domain.Actor, error) {
	err, cached := r.db.ReadActor(actorIRI)
	if err == nil && cached != nil && time.Since(cached.SavedAt) < ActorTTL {
		return cached, nil
	}

	return r.fetch(actorIRI, actorIRI)
}

// Refresh drops the cache entry and repopulates it from the network.
func (r *Resolver) Refresh(actorIRI string) (*domain.Actor, error) {
	return r.fetch(actorIRI, actorIRI)
}

// fetch coalesces concurrent fetches per coalescing key and persists the
// result. fetchURL is dereferenced; on a key wrapper document the owner is
// followed.
func (r *Resolver) fetch(key, fetchURL string) (*domain.Actor, error) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		doc, err := r.get(fetchURL)
		if err != nil {
			return nil, err
		}

		// Some servers serve the key document separately from the actor;
		// follow the owner once.
		if doc.Inbox == "" && doc.PublicKey.Owner != "" && doc.PublicKey.Owner != fetchURL {
			doc, err = r.get(doc.PublicKey.Owner)
			if err != nil {
				return nil, err
			}
		}

		if doc.ID == "" || doc.PublicKey.PublicKeyPem == "" || doc.PublicKey.ID == "" {
			return nil, relayerr.E(relayerr.ActorUnavailable, "actor document missing required fields")
		}
		if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
			return nil, relayerr.E(relayerr.SignatureInvalid, "public key not controlled by actor")
		}

		actor := &domain.Actor{
			ActorIRI:     doc.ID,
			PublicKeyPem: doc.PublicKey.PublicKeyPem,
			PublicKeyID:  doc.PublicKey.ID,
			InboxIRI:     doc.DeliveryInbox(),
			SavedAt:      time.Now().UTC(),
		}

		// carry the listener ref across refreshes
		if err, prev := r.db.ReadActor(doc.ID); err == nil && prev != nil {
			actor.ListenerRef = prev.ListenerRef
		}

		if err := r.db.SaveActor(actor); err != nil {
			return nil, err
		}
		return actor, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Actor), nil
}

func (r *Resolver) get(rawURL string) (*ActorDocument, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ActorUnavailable, "building actor request", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ActorUnavailable, "fetching actor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Permanently gone actors are dropped from the cache so the next
		// signature from them fails fast.
		log.Printf("Resolver: %s returned %d, evicting cache entry", rawURL, resp.StatusCode)
		r.db.DeleteActor(rawURL)
		return nil, relayerr.E(relayerr.ActorUnavailable,
			fmt.Sprintf("actor fetch returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.E(relayerr.ActorUnavailable,
			fmt.Sprintf("actor fetch returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorBody))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ActorUnavailable, "reading actor body", err)
	}

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, relayerr.Wrap(relayerr.ActorUnavailable, "parsing actor JSON", err)
	}
	return &doc, nil
}

// MarkListener records which listener an actor belongs to.
func (r *Resolver) MarkListener(actorIRI, listenerRef string) error {
	err, actor := r.db.ReadActor(actorIRI)
	if err != nil || actor == nil {
		return err
	}
	actor.ListenerRef = listenerRef
	return r.db.SaveActor(actor)
}
