package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/metrics"
	"github.com/anterales/relay/relayerr"
	"github.com/anterales/relay/util"
)

// backoffQuiet is how long an unreachable host is left alone before a
// delivery is attempted again.
const backoffQuiet = time.Hour

// Deliverer executes deliver_one jobs: sign, POST, and track per-host
// contact state.
type Deliverer struct {
	db        *db.DB
	signer    *activitypub.Signer
	client    *http.Client
	userAgent string
	threshold int
}

func NewDeliverer(database *db.DB, signer *activitypub.Signer, client *http.Client, userAgent string, threshold int) *Deliverer {
	if threshold <= 0 {
		threshold = 5
	}
	return &Deliverer{
		db:        database,
		signer:    signer,
		client:    client,
		userAgent: userAgent,
		threshold: threshold,
	}
}

// Register binds the deliver_one kind.
func (d *Deliverer) Register(engine *Engine) {
	engine.Register(domain.KindDeliverOne, d.DeliverOne)
}

// DeliverOne POSTs a signed activity to a single inbox.
func (d *Deliverer) DeliverOne(ctx context.Context, job *domain.Job) error {
	var payload domain.DeliverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding deliver payload: %w", err)
	}

	authority, err := util.Authority(payload.InboxIRI)
	if err != nil {
		return err
	}

	err2, contact := d.db.ReadContact(authority)
	if err2 != nil {
		return err2
	}
	if contact != nil && contact.State == domain.ContactUnreachable && time.Now().Before(contact.NextRetryAfter) {
		// skip silently; the purge sweep decides the host's fate
		return nil
	}

	metrics.DeliveriesAttempted.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.InboxIRI, bytes.NewReader(payload.Body))
	if err != nil {
		return fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", d.userAgent)

	if err := d.signer.SignRequest(req, payload.Body); err != nil {
		return fmt.Errorf("signing delivery: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.DeliveriesFailed.Inc()
		d.recordFailure(authority, false)
		return relayerr.Wrap(relayerr.NetworkTransient, "delivering to "+payload.InboxIRI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.DeliveriesSucceeded.Inc()
		d.recordSuccess(authority)
		return nil

	case resp.StatusCode == 401 || resp.StatusCode == 403 ||
		resp.StatusCode == 410 || resp.StatusCode == 422:
		metrics.DeliveriesFailed.Inc()
		d.recordFailure(authority, true)
		return relayerr.E(relayerr.NetworkPermanent,
			fmt.Sprintf("%s returned %d", authority, resp.StatusCode))

	case resp.StatusCode == 408 || resp.StatusCode == 429:
		metrics.DeliveriesFailed.Inc()
		d.recordFailure(authority, false)
		return relayerr.E(relayerr.NetworkTransient,
			fmt.Sprintf("%s returned %d", authority, resp.StatusCode))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		metrics.DeliveriesFailed.Inc()
		return relayerr.E(relayerr.NetworkPermanent,
			fmt.Sprintf("%s returned %d", authority, resp.StatusCode))

	default:
		metrics.DeliveriesFailed.Inc()
		d.recordFailure(authority, false)
		return relayerr.E(relayerr.NetworkTransient,
			fmt.Sprintf("%s returned %d", authority, resp.StatusCode))
	}
}

func (d *Deliverer) recordSuccess(authority string) {
	if err := d.db.TouchLastOnline(authority); err != nil {
		log.Printf("Deliver: Failed to record last_online for %s: %v", authority, err)
	}

	err, contact := d.db.ReadContact(authority)
	if err != nil {
		return
	}
	if contact == nil || (contact.Failures == 0 && contact.State == domain.ContactHealthy) {
		if contact == nil {
			d.db.SaveContact(&domain.Contact{
				Authority: authority,
				State:     domain.ContactHealthy,
				UpdatedAt: time.Now().UTC(),
			})
		}
		return
	}

	contact.Failures = 0
	contact.State = domain.ContactHealthy
	contact.NextRetryAfter = time.Time{}
	contact.UpdatedAt = time.Now().UTC()
	d.db.SaveContact(contact)
}

// recordFailure advances the contact state machine. Permanent failures
// count toward the unreachable threshold; transient ones only push the
// host into backing_off.
func (d *Deliverer) recordFailure(authority string, permanent bool) {
	err, contact := d.db.ReadContact(authority)
	if err != nil {
		return
	}
	if contact == nil {
		contact = &domain.Contact{Authority: authority, State: domain.ContactHealthy}
	}

	contact.Failures++
	contact.UpdatedAt = time.Now().UTC()

	if permanent && contact.Failures >= d.threshold {
		if contact.State != domain.ContactUnreachable {
			log.Printf("Deliver: Marking %s unreachable after %d failures", authority, contact.Failures)
		}
		contact.State = domain.ContactUnreachable
		contact.NextRetryAfter = time.Now().UTC().Add(backoffQuiet)
	} else {
		contact.State = domain.ContactBackingOff
		contact.NextRetryAfter = time.Now().UTC().Add(Backoff(contact.Failures))
	}

	if err := d.db.SaveContact(contact); err != nil {
		log.Printf("Deliver: Failed to save contact for %s: %v", authority, err)
	}
}
