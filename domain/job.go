package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus enumerates the lifecycle states persisted in the jobs tree.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobFailed  JobStatus = "failed"
)

// Job kinds dispatched by the workers.
const (
	KindDeliverOne    = "deliver_one"
	KindAnnounce      = "announce"
	KindForward       = "forward"
	KindFollow        = "follow"
	KindAccept        = "accept"
	KindReject        = "reject"
	KindUndoFollow    = "undo_follow"
	KindQueryNodeInfo = "query_nodeinfo"
	KindQueryInstance = "query_instance"
	KindRefreshActor  = "refresh_actor"
	KindCacheMedia    = "cache_media"
)

// Queue names. Delivery is high volume; maintenance and api are short.
const (
	QueueDeliver     = "deliver"
	QueueMaintenance = "maintenance"
	QueueAPI         = "api"
)

// Job is a durable unit of work. Payload is the kind-specific document;
// workers decode it themselves.
type Job struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRunAt time.Time       `json:"next_run_at"`
	TimeoutAt time.Time       `json:"timeout_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliverPayload is the payload of a deliver_one job: a pre-built, signed-at
// -send-time activity body POSTed to a single inbox.
type DeliverPayload struct {
	InboxIRI string          `json:"inbox_iri"`
	Body     json.RawMessage `json:"body"`
}

// AnnouncePayload fans an inner object out to every listener.
type AnnouncePayload struct {
	ObjectIRI   string `json:"object_iri"`
	SourceActor string `json:"source_actor"`
}

// ForwardPayload relays a received activity verbatim to every listener
// except the source.
type ForwardPayload struct {
	Body        json.RawMessage `json:"body"`
	SourceActor string          `json:"source_actor"`
}

// FollowPayload drives follow/accept/reject/undo activities aimed at a
// single remote actor.
type FollowPayload struct {
	ActorIRI  string `json:"actor_iri"`
	InboxIRI  string `json:"inbox_iri"`
	FollowIRI string `json:"follow_iri,omitempty"` // id of the Follow being answered
}

// HostPayload names a host for nodeinfo/instance polling.
type HostPayload struct {
	Authority   string `json:"authority"`
	ListenerRef string `json:"listener_ref"`
}

// ActorPayload names an actor for cache refresh.
type ActorPayload struct {
	ActorIRI string `json:"actor_iri"`
}

// MediaPayload maps a remote avatar URL into the media proxy.
type MediaPayload struct {
	RemoteURL string `json:"remote_url"`
}
