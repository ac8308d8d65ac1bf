package db

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
	"github.com/anterales/relay/util"
)

const SchemaVersion = "1"

const (
	settingSchemaVersion = "schema_version"
	settingPrivateKey    = "private_key"
	settingRestricted    = "restricted_mode_runtime"
)

// DB is the state repository: one typed accessor family per entity, built
// on the KV trees. Cross-tree updates are best-effort sequential; writes
// are ordered so a crash between them leaves the store queryable.
type DB struct {
	kv *KV

	// serializes read-modify-write on the inbox index and the
	// blocks/allows no-overlap invariant
	mu sync.Mutex
}

// Open opens the store at path and verifies the schema version. A mismatch
// is StoreCorrupt and must abort startup.
func Open(path string) (*DB, error) {
	kv, err := OpenKV(path)
	if err != nil {
		return nil, err
	}

	db := &DB{kv: kv}
	if err := db.checkSchema(); err != nil {
		kv.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.kv.Close() }

// KV exposes the raw adapter for the job engine, which owns its own tree.
func (db *DB) KV() *KV { return db.kv }

func (db *DB) checkSchema() error {
	cur, err := db.GetSetting(settingSchemaVersion)
	if err != nil {
		return err
	}
	if cur == "" {
		return db.SetSetting(settingSchemaVersion, SchemaVersion)
	}
	if cur != SchemaVersion {
		return relayerr.E(relayerr.StoreCorrupt,
			fmt.Sprintf("schema version %q, want %q", cur, SchemaVersion))
	}
	return nil
}

// --- settings ---

func (db *DB) GetSetting(key string) (string, error) {
	v, err := db.kv.Get(TreeSettings, []byte(key))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (db *DB) SetSetting(key, value string) error {
	return db.kv.Put(TreeSettings, []byte(key), []byte(value))
}

// CASSetting swaps a setting only if it still holds expected. An empty
// expected means the key must be absent.
func (db *DB) CASSetting(key, expected, next string) (bool, string, error) {
	var exp []byte
	if expected != "" {
		exp = []byte(expected)
	}
	applied, current, err := db.kv.CAS(TreeSettings, []byte(key), exp, []byte(next))
	return applied, string(current), err
}

// RestrictedMode reads the runtime override; the env value is the default.
func (db *DB) RestrictedMode(envDefault bool) bool {
	v, err := db.GetSetting(settingRestricted)
	if err != nil || v == "" {
		return envDefault
	}
	return v == "true"
}

// --- private key ---

// PrivateKey loads the relay's RSA key from settings, generating and
// persisting one on first start. Exactly one key exists for the lifetime
// of the data directory.
func (db *DB) PrivateKey() (*rsa.PrivateKey, error) {
	pemStr, err := db.GetSetting(settingPrivateKey)
	if err != nil {
		return nil, err
	}

	if pemStr == "" {
		log.Println("DB: No private key found, generating a new one..")
		pair, err := util.GeneratePemKeypair()
		if err != nil {
			return nil, relayerr.Wrap(relayerr.StoreCorrupt, "generating keypair", err)
		}
		// CAS so two racing startups agree on one key
		applied, current, err := db.CASSetting(settingPrivateKey, "", pair.Private)
		if err != nil {
			return nil, err
		}
		if applied {
			pemStr = pair.Private
		} else {
			pemStr = current
		}
	}

	return parsePrivateKeyPem(pemStr)
}

func parsePrivateKeyPem(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, relayerr.E(relayerr.StoreCorrupt, "private key is not valid PEM")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, relayerr.E(relayerr.StoreCorrupt, "private key is not RSA")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StoreCorrupt, "parsing private key", err)
	}
	return key, nil
}

// PublicKeyPem renders the public half of the relay key for the actor
// document.
func PublicKeyPem(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// --- listeners ---

// CreateListener writes the listener record first and the inbox index
// second, so a crash in between still leaves the listener queryable.
func (db *DB) CreateListener(l *domain.Listener) error {
	buf, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := db.kv.Put(TreeListeners, []byte(l.ActorIRI), buf); err != nil {
		return err
	}

	authority, err := util.Authority(l.InboxIRI)
	if err != nil {
		return nil
	}
	return db.indexInbox(authority, l.ActorIRI, true)
}

// DeleteListener removes the index entry first, then the record.
func (db *DB) DeleteListener(actorIRI string) error {
	err, l := db.ReadListener(actorIRI)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}

	if authority, aerr := util.Authority(l.InboxIRI); aerr == nil {
		if err := db.indexInbox(authority, actorIRI, false); err != nil {
			return err
		}
	}
	return db.kv.Delete(TreeListeners, []byte(actorIRI))
}

func (db *DB) ReadListener(actorIRI string) (error, *domain.Listener) {
	v, err := db.kv.Get(TreeListeners, []byte(actorIRI))
	if err != nil || v == nil {
		return err, nil
	}
	var l domain.Listener
	if err := json.Unmarshal(v, &l); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding listener", err), nil
	}
	return nil, &l
}

func (db *DB) ReadAllListeners() (error, []domain.Listener) {
	var out []domain.Listener
	err := db.kv.Range(TreeListeners, nil, func(_, v []byte) error {
		var l domain.Listener
		if err := json.Unmarshal(v, &l); err != nil {
			return relayerr.Wrap(relayerr.StoreCorrupt, "decoding listener", err)
		}
		out = append(out, l)
		return nil
	})
	return err, out
}

// ListenersForAuthority returns the actor IRIs of listeners whose inbox
// lives on the given authority.
func (db *DB) ListenersForAuthority(authority string) (error, []string) {
	v, err := db.kv.Get(TreeListenerInboxes, []byte(authority))
	if err != nil || v == nil {
		return err, nil
	}
	var iris []string
	if err := json.Unmarshal(v, &iris); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding inbox index", err), nil
	}
	return nil, iris
}

func (db *DB) indexInbox(authority, actorIRI string, add bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err, iris := db.ListenersForAuthority(authority)
	if err != nil {
		return err
	}

	next := make([]string, 0, len(iris)+1)
	for _, iri := range iris {
		if iri != actorIRI {
			next = append(next, iri)
		}
	}
	if add {
		next = append(next, actorIRI)
	}
	sort.Strings(next)

	if len(next) == 0 {
		return db.kv.Delete(TreeListenerInboxes, []byte(authority))
	}
	buf, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return db.kv.Put(TreeListenerInboxes, []byte(authority), buf)
}

// --- actors ---

// SaveActor writes the actor record before the key id index so a reader
// following the index never dangles.
func (db *DB) SaveActor(a *domain.Actor) error {
	buf, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := db.kv.Put(TreeActors, []byte(a.ActorIRI), buf); err != nil {
		return err
	}
	return db.kv.Put(TreeKeyIDIndex, []byte(a.PublicKeyID), []byte(a.ActorIRI))
}

func (db *DB) DeleteActor(actorIRI string) error {
	err, a := db.ReadActor(actorIRI)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	if err := db.kv.Delete(TreeKeyIDIndex, []byte(a.PublicKeyID)); err != nil {
		return err
	}
	return db.kv.Delete(TreeActors, []byte(actorIRI))
}

func (db *DB) ReadActor(actorIRI string) (error, *domain.Actor) {
	v, err := db.kv.Get(TreeActors, []byte(actorIRI))
	if err != nil || v == nil {
		return err, nil
	}
	var a domain.Actor
	if err := json.Unmarshal(v, &a); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding actor", err), nil
	}
	return nil, &a
}

func (db *DB) ReadActorByKeyID(keyID string) (error, *domain.Actor) {
	iri, err := db.kv.Get(TreeKeyIDIndex, []byte(keyID))
	if err != nil || iri == nil {
		return err, nil
	}
	return db.ReadActor(string(iri))
}

func (db *DB) ReadAllActors() (error, []domain.Actor) {
	var out []domain.Actor
	err := db.kv.Range(TreeActors, nil, func(_, v []byte) error {
		var a domain.Actor
		if err := json.Unmarshal(v, &a); err != nil {
			return relayerr.Wrap(relayerr.StoreCorrupt, "decoding actor", err)
		}
		out = append(out, a)
		return nil
	})
	return err, out
}

// --- blocks / allows ---

// AddBlock records a domain block. A domain never sits in both sets, so a
// new block also clears any allow for the same domain.
func (db *DB) AddBlock(domainName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.kv.Delete(TreeAllows, []byte(domainName)); err != nil {
		return err
	}
	return db.kv.Put(TreeBlocks, []byte(domainName), []byte{})
}

func (db *DB) RemoveBlock(domainName string) error {
	return db.kv.Delete(TreeBlocks, []byte(domainName))
}

func (db *DB) IsBlocked(domainName string) (bool, error) {
	v, err := db.kv.Get(TreeBlocks, []byte(domainName))
	return v != nil, err
}

func (db *DB) ReadBlocks() (error, []string) {
	return nil, db.readDomainSet(TreeBlocks)
}

func (db *DB) AddAllow(domainName string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.kv.Delete(TreeBlocks, []byte(domainName)); err != nil {
		return err
	}
	return db.kv.Put(TreeAllows, []byte(domainName), []byte{})
}

func (db *DB) RemoveAllow(domainName string) error {
	return db.kv.Delete(TreeAllows, []byte(domainName))
}

func (db *DB) IsAllowed(domainName string) (bool, error) {
	v, err := db.kv.Get(TreeAllows, []byte(domainName))
	return v != nil, err
}

func (db *DB) ReadAllows() (error, []string) {
	return nil, db.readDomainSet(TreeAllows)
}

func (db *DB) readDomainSet(tree string) []string {
	var out []string
	db.kv.Range(tree, nil, func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out
}

// --- last online ---

func (db *DB) TouchLastOnline(authority string) error {
	ts, _ := time.Now().UTC().MarshalText()
	return db.kv.Put(TreeLastOnline, []byte(authority), ts)
}

func (db *DB) ReadLastOnline(authority string) (error, *time.Time) {
	v, err := db.kv.Get(TreeLastOnline, []byte(authority))
	if err != nil || v == nil {
		return err, nil
	}
	var t time.Time
	if err := t.UnmarshalText(v); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding last_online", err), nil
	}
	return nil, &t
}

// --- nodes ---

func (db *DB) SaveNode(n *domain.Node) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return db.kv.Put(TreeNodes, []byte(n.ListenerRef), buf)
}

func (db *DB) ReadNode(listenerRef string) (error, *domain.Node) {
	v, err := db.kv.Get(TreeNodes, []byte(listenerRef))
	if err != nil || v == nil {
		return err, nil
	}
	var n domain.Node
	if err := json.Unmarshal(v, &n); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding node", err), nil
	}
	return nil, &n
}

func (db *DB) DeleteNode(listenerRef string) error {
	return db.kv.Delete(TreeNodes, []byte(listenerRef))
}

func (db *DB) ReadAllNodes() (error, []domain.Node) {
	var out []domain.Node
	err := db.kv.Range(TreeNodes, nil, func(_, v []byte) error {
		var n domain.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return relayerr.Wrap(relayerr.StoreCorrupt, "decoding node", err)
		}
		out = append(out, n)
		return nil
	})
	return err, out
}

// --- contacts ---

func (db *DB) SaveContact(c *domain.Contact) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return db.kv.Put(TreeContacts, []byte(c.Authority), buf)
}

func (db *DB) ReadContact(authority string) (error, *domain.Contact) {
	v, err := db.kv.Get(TreeContacts, []byte(authority))
	if err != nil || v == nil {
		return err, nil
	}
	var c domain.Contact
	if err := json.Unmarshal(v, &c); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding contact", err), nil
	}
	return nil, &c
}

func (db *DB) DeleteContact(authority string) error {
	return db.kv.Delete(TreeContacts, []byte(authority))
}

func (db *DB) ReadAllContacts() (error, []domain.Contact) {
	var out []domain.Contact
	err := db.kv.Range(TreeContacts, nil, func(_, v []byte) error {
		var c domain.Contact
		if err := json.Unmarshal(v, &c); err != nil {
			return relayerr.Wrap(relayerr.StoreCorrupt, "decoding contact", err)
		}
		out = append(out, c)
		return nil
	})
	return err, out
}

// --- media ---

// SaveMedia maps a remote URL to a local uuid, reusing an existing mapping
// when the URL is already known.
func (db *DB) SaveMedia(remoteURL string) (uuid.UUID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if v, err := db.kv.Get(TreeMediaIndex, []byte(remoteURL)); err != nil {
		return uuid.Nil, err
	} else if v != nil {
		return uuid.Parse(string(v))
	}

	entry := domain.MediaEntry{
		ID:        uuid.New(),
		RemoteURL: remoteURL,
		SavedAt:   time.Now().UTC(),
	}
	buf, err := json.Marshal(&entry)
	if err != nil {
		return uuid.Nil, err
	}
	if err := db.kv.Put(TreeMedia, []byte(entry.ID.String()), buf); err != nil {
		return uuid.Nil, err
	}
	if err := db.kv.Put(TreeMediaIndex, []byte(remoteURL), []byte(entry.ID.String())); err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

func (db *DB) ReadMedia(id uuid.UUID) (error, *domain.MediaEntry) {
	v, err := db.kv.Get(TreeMedia, []byte(id.String()))
	if err != nil || v == nil {
		return err, nil
	}
	var entry domain.MediaEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		return relayerr.Wrap(relayerr.StoreCorrupt, "decoding media entry", err), nil
	}
	return nil, &entry
}

func (db *DB) DeleteMedia(id uuid.UUID) error {
	err, entry := db.ReadMedia(id)
	if err != nil || entry == nil {
		return err
	}
	if err := db.kv.Delete(TreeMediaIndex, []byte(entry.RemoteURL)); err != nil {
		return err
	}
	return db.kv.Delete(TreeMedia, []byte(id.String()))
}

func (db *DB) ReadAllMedia() (error, []domain.MediaEntry) {
	var out []domain.MediaEntry
	err := db.kv.Range(TreeMedia, nil, func(_, v []byte) error {
		var entry domain.MediaEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return relayerr.Wrap(relayerr.StoreCorrupt, "decoding media entry", err)
		}
		out = append(out, entry)
		return nil
	})
	return err, out
}
