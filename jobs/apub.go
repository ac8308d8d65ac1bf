package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/util"
)

// APub holds the workers that build and fan out the relay's own
// ActivityStreams documents.
type APub struct {
	db       *db.DB
	engine   *Engine
	builder  *activitypub.Builder
	resolver *activitypub.Resolver
}

func NewAPub(database *db.DB, engine *Engine, builder *activitypub.Builder, resolver *activitypub.Resolver) *APub {
	return &APub{db: database, engine: engine, builder: builder, resolver: resolver}
}

func (a *APub) Register(engine *Engine) {
	engine.Register(domain.KindAnnounce, a.Announce)
	engine.Register(domain.KindForward, a.Forward)
	engine.Register(domain.KindAccept, a.Accept)
	engine.Register(domain.KindReject, a.Reject)
	engine.Register(domain.KindFollow, a.Follow)
	engine.Register(domain.KindUndoFollow, a.UndoFollow)
	engine.Register(domain.KindRefreshActor, a.RefreshActor)
}

// Announce wraps the inner object and enqueues one delivery per listener,
// excluding the source.
func (a *APub) Announce(ctx context.Context, job *domain.Job) error {
	var payload domain.AnnouncePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding announce payload: %w", err)
	}

	body, err := json.Marshal(a.builder.Announce(payload.ObjectIRI))
	if err != nil {
		return fmt.Errorf("building announce: %w", err)
	}

	return a.fanOut(body, payload.SourceActor)
}

// Forward relays a received activity byte-for-byte to every listener
// except the source.
func (a *APub) Forward(ctx context.Context, job *domain.Job) error {
	var payload domain.ForwardPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding forward payload: %w", err)
	}
	return a.fanOut(payload.Body, payload.SourceActor)
}

func (a *APub) fanOut(body []byte, sourceActor string) error {
	err, listeners := a.db.ReadAllListeners()
	if err != nil {
		return err
	}

	sourceAuthority := ""
	if auth, aerr := util.Authority(sourceActor); aerr == nil {
		sourceAuthority = auth
	}

	queued := 0
	for _, listener := range listeners {
		if listener.ActorIRI == sourceActor {
			continue
		}
		if authority, aerr := util.Authority(listener.InboxIRI); aerr == nil && authority == sourceAuthority {
			continue
		}

		err := a.engine.Submit(domain.KindDeliverOne, domain.QueueDeliver, domain.DeliverPayload{
			InboxIRI: listener.InboxIRI,
			Body:     body,
		})
		if err != nil {
			return err
		}
		queued++
	}

	log.Printf("APub: Queued fan-out to %d listeners", queued)
	return nil
}

func (a *APub) Accept(ctx context.Context, job *domain.Job) error {
	return a.sendFollowResponse(job, "accept")
}

func (a *APub) Reject(ctx context.Context, job *domain.Job) error {
	return a.sendFollowResponse(job, "reject")
}

func (a *APub) sendFollowResponse(job *domain.Job, which string) error {
	var payload domain.FollowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding follow payload: %w", err)
	}

	var activity map[string]interface{}
	if which == "accept" {
		activity = a.builder.Accept(payload.FollowIRI, payload.ActorIRI)
	} else {
		activity = a.builder.Reject(payload.FollowIRI, payload.ActorIRI)
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("building %s: %w", which, err)
	}

	return a.engine.Submit(domain.KindDeliverOne, domain.QueueDeliver, domain.DeliverPayload{
		InboxIRI: payload.InboxIRI,
		Body:     body,
	})
}

// Follow subscribes the relay back to a new listener.
func (a *APub) Follow(ctx context.Context, job *domain.Job) error {
	var payload domain.FollowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding follow payload: %w", err)
	}

	body, err := json.Marshal(a.builder.Follow(payload.ActorIRI))
	if err != nil {
		return fmt.Errorf("building follow: %w", err)
	}

	return a.engine.Submit(domain.KindDeliverOne, domain.QueueDeliver, domain.DeliverPayload{
		InboxIRI: payload.InboxIRI,
		Body:     body,
	})
}

// UndoFollow retracts the relay's follow of a departing listener.
func (a *APub) UndoFollow(ctx context.Context, job *domain.Job) error {
	var payload domain.FollowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding undo payload: %w", err)
	}

	body, err := json.Marshal(a.builder.UndoFollow(payload.ActorIRI))
	if err != nil {
		return fmt.Errorf("building undo: %w", err)
	}

	return a.engine.Submit(domain.KindDeliverOne, domain.QueueDeliver, domain.DeliverPayload{
		InboxIRI: payload.InboxIRI,
		Body:     body,
	})
}

// RefreshActor invalidates and repopulates the actor cache entry.
func (a *APub) RefreshActor(ctx context.Context, job *domain.Job) error {
	var payload domain.ActorPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding refresh payload: %w", err)
	}

	if _, err := a.resolver.Refresh(payload.ActorIRI); err != nil {
		return err
	}
	return nil
}
