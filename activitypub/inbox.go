package activitypub

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/metrics"
	"github.com/anterales/relay/relayerr"
	"github.com/anterales/relay/util"
)

// MaxBody caps the accepted size of an inbound activity.
const MaxBody = 256 * 1024

// DedupWindow suppresses repeated fan-out of the same inner object.
const DedupWindow = 5 * time.Minute

// JobSubmitter persists a job before the inbox acknowledges. Implemented
// by the job engine.
type JobSubmitter interface {
	Submit(kind, queue string, payload interface{}) error
}

// Deduper remembers recently fanned-out object IRIs for DedupWindow.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	sweep time.Time
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]time.Time)}
}

// Seen records key and reports whether it was already present within the
// window.
func (d *Deduper) Seen(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.sweep) > DedupWindow {
		for k, t := range d.seen {
			if now.Sub(t) > DedupWindow {
				delete(d.seen, k)
			}
		}
		d.sweep = now
	}

	if t, ok := d.seen[key]; ok && now.Sub(t) <= DedupWindow {
		return true
	}
	d.seen[key] = now
	return false
}

// Inbox is the POST /inbox pipeline: verify, authorize, classify, enqueue.
type Inbox struct {
	conf     *util.AppConfig
	db       *db.DB
	verifier *Verifier
	resolver *Resolver
	builder  *Builder
	jobs     JobSubmitter
	dedup    *Deduper
}

func NewInbox(conf *util.AppConfig, database *db.DB, verifier *Verifier, resolver *Resolver, jobs JobSubmitter) *Inbox {
	return &Inbox{
		conf:     conf,
		db:       database,
		verifier: verifier,
		resolver: resolver,
		builder:  NewBuilder(conf.BaseURL(), conf.ActorIRI()),
		jobs:     jobs,
		dedup:    NewDeduper(),
	}
}

// HandleInbox processes an incoming activity. The 202 is written only
// after every originating job has been persisted.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBody+1))
	if err != nil {
		// chunked requests have no Content-Length for the middleware to
		// check, so the cap can trip here mid-read
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, relayerr.Wrap(relayerr.MalformedActivity, "reading body", err))
		return
	}
	defer r.Body.Close()

	if len(body) > MaxBody {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	signerIRI, err := in.verifier.VerifyRequest(r, body)
	if err != nil {
		log.Printf("Inbox: Rejecting request: %v", err)
		writeError(w, err)
		return
	}

	activity, err := ParseActivity(body)
	if err != nil {
		writeError(w, err)
		return
	}

	// The signer must be the actor the activity claims, otherwise any
	// signed-up actor could relay on another's behalf.
	if signerIRI != "" && signerIRI != activity.Actor {
		writeError(w, relayerr.E(relayerr.Forbidden, "signature actor differs from activity actor"))
		return
	}

	if err := in.authorize(activity.Actor); err != nil {
		log.Printf("Inbox: %s not authorized: %v", activity.Actor, err)
		writeError(w, err)
		return
	}

	if err := in.requireSubscribed(activity); err != nil {
		log.Printf("Inbox: Dropping %s from %s: %v", activity.Type, activity.Actor, err)
		writeError(w, err)
		return
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.Actor)

	if err := in.classify(activity); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (in *Inbox) authorize(actorIRI string) error {
	domainName, err := util.Domain(actorIRI)
	if err != nil {
		return relayerr.Wrap(relayerr.MalformedActivity, "actor IRI", err)
	}

	blocked, err := in.db.IsBlocked(domainName)
	if err != nil {
		return err
	}
	if blocked {
		return relayerr.E(relayerr.Forbidden, "domain is blocked")
	}

	if in.db.RestrictedMode(in.conf.Conf.RestrictedMode) {
		allowed, err := in.db.IsAllowed(domainName)
		if err != nil {
			return err
		}
		if !allowed {
			return relayerr.E(relayerr.Forbidden, "domain not on the allowlist")
		}
	}
	return nil
}

// requireSubscribed limits intake to hosts that follow the relay. Only a
// Follow, or the Undo of one, is accepted from a stranger; everything else
// would let any fediverse host inject traffic into the fan-out.
func (in *Inbox) requireSubscribed(activity *Activity) error {
	switch activity.Type {
	case "Follow":
		return nil
	case "Undo":
		if in.objectType(activity) == "Follow" {
			return nil
		}
	}
	if in.isListener(activity.Actor) {
		return nil
	}
	return relayerr.E(relayerr.NotSubscribed, activity.Actor+" is not subscribed")
}

// isListener reports whether the actor, or another actor on its host, has
// a listener record.
func (in *Inbox) isListener(actorIRI string) bool {
	err, listener := in.db.ReadListener(actorIRI)
	if err == nil && listener != nil {
		return true
	}
	authority, err := util.Authority(actorIRI)
	if err != nil {
		return false
	}
	err2, actors := in.db.ListenersForAuthority(authority)
	return err2 == nil && len(actors) > 0
}

func (in *Inbox) classify(activity *Activity) error {
	metrics.ActivitiesReceived.WithLabelValues(activity.Type).Inc()

	switch activity.Type {
	case "Follow":
		return in.handleFollow(activity)
	case "Accept":
		// confirmation of our own follow-back, nothing to do
		return nil
	case "Reject":
		return in.handleReject(activity)
	case "Undo":
		return in.handleUndo(activity)
	case "Announce", "Create":
		return in.handleAnnounce(activity)
	default:
		if ForwardedVerbatim(activity.Type) {
			return in.handleForward(activity)
		}
		log.Printf("Inbox: Ignoring activity type %s", activity.Type)
		return nil
	}
}

// followTargetsRelay reports whether a Follow aims at this relay: its
// actor, the Public collection, or an actor on one of LOCAL_DOMAINS.
func (in *Inbox) followTargetsRelay(objectIRI string) bool {
	if objectIRI == in.conf.ActorIRI() || objectIRI == PublicCollection {
		return true
	}
	if host, err := util.Domain(objectIRI); err == nil {
		for _, local := range in.conf.LocalDomainList() {
			if host == local {
				return true
			}
		}
	}
	return false
}

func (in *Inbox) handleFollow(activity *Activity) error {
	actor, err := in.resolver.ResolveActor(activity.Actor)
	if err != nil {
		return err
	}

	if !in.followTargetsRelay(activity.ObjectIRI()) {
		log.Printf("Inbox: Rejecting follow of %s from %s", activity.ObjectIRI(), activity.Actor)
		return in.jobs.Submit(domain.KindReject, domain.QueueDeliver, domain.FollowPayload{
			ActorIRI:  actor.ActorIRI,
			InboxIRI:  actor.InboxIRI,
			FollowIRI: activity.ID,
		})
	}

	err2, existing := in.db.ReadListener(actor.ActorIRI)
	if err2 != nil {
		return err2
	}
	if existing == nil {
		listener := &domain.Listener{
			ActorIRI:  actor.ActorIRI,
			InboxIRI:  actor.InboxIRI,
			CreatedAt: time.Now().UTC(),
		}
		if err := in.db.CreateListener(listener); err != nil {
			return err
		}
		in.resolver.MarkListener(actor.ActorIRI, actor.ActorIRI)
		log.Printf("Inbox: New listener %s", actor.ActorIRI)
	}

	payload := domain.FollowPayload{
		ActorIRI:  actor.ActorIRI,
		InboxIRI:  actor.InboxIRI,
		FollowIRI: activity.ID,
	}
	if err := in.jobs.Submit(domain.KindAccept, domain.QueueDeliver, payload); err != nil {
		return err
	}
	// follow back, so our deliveries come from a known follower
	if err := in.jobs.Submit(domain.KindFollow, domain.QueueDeliver, payload); err != nil {
		return err
	}

	if authority, err := util.Authority(actor.InboxIRI); err == nil {
		host := domain.HostPayload{Authority: authority, ListenerRef: actor.ActorIRI}
		if err := in.jobs.Submit(domain.KindQueryNodeInfo, domain.QueueMaintenance, host); err != nil {
			return err
		}
		if err := in.jobs.Submit(domain.KindQueryInstance, domain.QueueMaintenance, host); err != nil {
			return err
		}
	}
	return nil
}

func (in *Inbox) handleReject(activity *Activity) error {
	if in.objectType(activity) != "Follow" {
		return nil
	}
	return in.dropListener(activity.Actor)
}

func (in *Inbox) handleUndo(activity *Activity) error {
	if in.objectType(activity) != "Follow" {
		// Undo of an Announce or Like is not relayed
		return nil
	}
	return in.dropListener(activity.Actor)
}

// dropListener removes the listener and retracts the relay's follow-back.
func (in *Inbox) dropListener(actorIRI string) error {
	err, listener := in.db.ReadListener(actorIRI)
	if err != nil {
		return err
	}
	if listener == nil {
		return nil
	}

	if err := in.db.DeleteListener(actorIRI); err != nil {
		return err
	}
	log.Printf("Inbox: Listener %s unsubscribed", actorIRI)

	return in.jobs.Submit(domain.KindUndoFollow, domain.QueueDeliver, domain.FollowPayload{
		ActorIRI: actorIRI,
		InboxIRI: listener.InboxIRI,
	})
}

func (in *Inbox) handleAnnounce(activity *Activity) error {
	objectIRI := activity.ObjectIRI()
	if objectIRI == "" {
		return relayerr.E(relayerr.MalformedActivity, "announce without object id")
	}

	if in.dedup.Seen(objectIRI) {
		log.Printf("Inbox: Suppressing duplicate fan-out of %s", objectIRI)
		return nil
	}

	return in.jobs.Submit(domain.KindAnnounce, domain.QueueDeliver, domain.AnnouncePayload{
		ObjectIRI:   objectIRI,
		SourceActor: activity.Actor,
	})
}

func (in *Inbox) handleForward(activity *Activity) error {
	return in.jobs.Submit(domain.KindForward, domain.QueueDeliver, domain.ForwardPayload{
		Body:        activity.Raw,
		SourceActor: activity.Actor,
	})
}

func (in *Inbox) objectType(activity *Activity) string {
	if t := activity.ObjectType(); t != "" {
		return t
	}
	// a bare IRI object on Undo/Reject is treated as the Follow it answers
	if activity.ObjectIRI() != "" {
		return "Follow"
	}
	return ""
}

func writeError(w http.ResponseWriter, err error) {
	status := relayerr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": string(relayerr.KindOf(err))})
}
