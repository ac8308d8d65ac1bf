package jobs

import (
	"context"
	"log"
	"time"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/metrics"
	"github.com/anterales/relay/util"
)

const (
	// SweepInterval drives the fast loop: orphan requeue, contact
	// promotion, purges.
	SweepInterval = time.Minute

	// RefreshInterval re-enqueues actor refreshes for stale cache entries.
	RefreshInterval = 6 * time.Hour

	// NodeInfoInterval re-polls listener metadata.
	NodeInfoInterval = 24 * time.Hour

	// PurgeAfter is how long an unreachable host is kept before its
	// listeners are removed.
	PurgeAfter = 14 * 24 * time.Hour

	// ContactQuiet promotes a backing_off contact to healthy after this
	// long without further failures.
	ContactQuiet = time.Hour

	// MediaTTL evicts proxied media mappings.
	MediaTTL = 7 * 24 * time.Hour
)

// Maintenance drives the periodic sweeps.
type Maintenance struct {
	db     *db.DB
	engine *Engine
}

func NewMaintenance(database *db.DB, engine *Engine) *Maintenance {
	return &Maintenance{db: database, engine: engine}
}

// Run ticks until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	sweep := time.NewTicker(SweepInterval)
	refresh := time.NewTicker(RefreshInterval)
	nodeinfo := time.NewTicker(NodeInfoInterval)
	defer sweep.Stop()
	defer refresh.Stop()
	defer nodeinfo.Stop()

	log.Println("Maintenance: Loop running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			m.Sweep()
		case <-refresh.C:
			m.EnqueueActorRefreshes()
		case <-nodeinfo.C:
			m.EnqueueNodePolls()
		}
	}
}

// Sweep is the minute tick: requeue orphans, advance contact states,
// purge dead hosts, evict old media, refresh gauges.
func (m *Maintenance) Sweep() {
	m.engine.RequeueOrphans()
	m.sweepContacts()
	m.evictMedia()

	if err, listeners := m.db.ReadAllListeners(); err == nil {
		metrics.Listeners.Set(float64(len(listeners)))
	}
	metrics.PendingJobs.Set(float64(m.engine.PendingCount()))
}

func (m *Maintenance) sweepContacts() {
	err, contacts := m.db.ReadAllContacts()
	if err != nil {
		log.Printf("Maintenance: Reading contacts: %v", err)
		return
	}

	now := time.Now().UTC()
	for i := range contacts {
		contact := &contacts[i]
		switch contact.State {
		case domain.ContactBackingOff:
			if now.Sub(contact.UpdatedAt) > ContactQuiet {
				contact.State = domain.ContactHealthy
				contact.Failures = 0
				contact.NextRetryAfter = time.Time{}
				contact.UpdatedAt = now
				m.db.SaveContact(contact)
			}
		case domain.ContactUnreachable:
			if now.Sub(contact.UpdatedAt) > PurgeAfter {
				m.purgeHost(contact.Authority)
			}
		}
	}
}

// purgeHost removes every listener whose inbox lives on the authority,
// along with its node metadata and the contact record itself.
func (m *Maintenance) purgeHost(authority string) {
	log.Printf("Maintenance: Purging unreachable host %s", authority)

	err, iris := m.db.ListenersForAuthority(authority)
	if err != nil {
		log.Printf("Maintenance: Reading listeners for %s: %v", authority, err)
		return
	}
	for _, iri := range iris {
		m.db.DeleteNode(iri)
		m.db.DeleteActor(iri)
		if err := m.db.DeleteListener(iri); err != nil {
			log.Printf("Maintenance: Removing listener %s: %v", iri, err)
		}
	}
	m.db.DeleteContact(authority)
}

func (m *Maintenance) evictMedia() {
	err, entries := m.db.ReadAllMedia()
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		if now.Sub(entry.SavedAt) > MediaTTL {
			m.db.DeleteMedia(entry.ID)
		}
	}
}

// EnqueueActorRefreshes schedules a refresh for every cached actor older
// than the actor TTL.
func (m *Maintenance) EnqueueActorRefreshes() {
	err, actors := m.db.ReadAllActors()
	if err != nil {
		log.Printf("Maintenance: Reading actors: %v", err)
		return
	}

	queued := 0
	for _, actor := range actors {
		if time.Since(actor.SavedAt) < activitypub.ActorTTL {
			continue
		}
		err := m.engine.Submit(domain.KindRefreshActor, domain.QueueMaintenance, domain.ActorPayload{
			ActorIRI: actor.ActorIRI,
		})
		if err != nil {
			log.Printf("Maintenance: Enqueueing refresh of %s: %v", actor.ActorIRI, err)
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Printf("Maintenance: Queued %d actor refreshes", queued)
	}
}

// EnqueueNodePolls schedules nodeinfo and instance polls per listener host.
func (m *Maintenance) EnqueueNodePolls() {
	err, listeners := m.db.ReadAllListeners()
	if err != nil {
		log.Printf("Maintenance: Reading listeners: %v", err)
		return
	}

	seen := make(map[string]bool)
	for _, listener := range listeners {
		authority, aerr := util.Authority(listener.InboxIRI)
		if aerr != nil || seen[authority] {
			continue
		}
		seen[authority] = true

		payload := domain.HostPayload{Authority: authority, ListenerRef: listener.ActorIRI}
		m.engine.Submit(domain.KindQueryNodeInfo, domain.QueueMaintenance, payload)
		m.engine.Submit(domain.KindQueryInstance, domain.QueueMaintenance, payload)
	}
}
