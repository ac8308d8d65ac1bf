package activitypub

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/anterales/relay/relayerr"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// Activity is the tagged view over the ActivityStreams documents the relay
// understands. Parsing is tolerant: unknown fields are ignored, the raw
// body is retained for verbatim forwarding.
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`

	Raw []byte `json:"-"`
}

// ParseActivity decodes an inbound body. type, id and actor are required.
func ParseActivity(body []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, relayerr.Wrap(relayerr.MalformedActivity, "parsing activity", err)
	}
	if a.Type == "" || a.ID == "" || a.Actor == "" {
		return nil, relayerr.E(relayerr.MalformedActivity, "activity missing type, id or actor")
	}
	a.Raw = body
	return &a, nil
}

// ObjectIRI extracts the object's IRI whether the object is a bare string
// or an embedded document.
func (a *Activity) ObjectIRI() string {
	if len(a.Object) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ObjectType returns the embedded object's type, or "" for bare IRIs.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return ""
	}
	return obj.Type
}

// ForwardedVerbatim reports whether activities of this type are relayed
// byte-for-byte to all listeners.
func ForwardedVerbatim(kind string) bool {
	switch kind {
	case "Delete", "Update", "Add", "Remove":
		return true
	}
	return false
}

// Builder constructs the relay's own outgoing activities.
type Builder struct {
	baseURL  string
	actorIRI string
}

func NewBuilder(baseURL, actorIRI string) *Builder {
	return &Builder{baseURL: baseURL, actorIRI: actorIRI}
}

func (b *Builder) newID() string {
	return fmt.Sprintf("%s/activities/%s", b.baseURL, uuid.New().String())
}

// Accept answers a Follow.
func (b *Builder) Accept(followIRI, remoteActor string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       b.newID(),
		"type":     "Accept",
		"actor":    b.actorIRI,
		"to":       []string{remoteActor},
		"object": map[string]interface{}{
			"id":     followIRI,
			"type":   "Follow",
			"actor":  remoteActor,
			"object": b.actorIRI,
		},
	}
}

// Reject refuses a Follow aimed at anything but the relay.
func (b *Builder) Reject(followIRI, remoteActor string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       b.newID(),
		"type":     "Reject",
		"actor":    b.actorIRI,
		"to":       []string{remoteActor},
		"object": map[string]interface{}{
			"id":     followIRI,
			"type":   "Follow",
			"actor":  remoteActor,
			"object": b.actorIRI,
		},
	}
}

// Follow subscribes the relay back to a new listener so deliveries to it
// are signed by a known follower.
func (b *Builder) Follow(remoteActor string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       b.newID(),
		"type":     "Follow",
		"actor":    b.actorIRI,
		"to":       []string{remoteActor},
		"object":   remoteActor,
	}
}

// UndoFollow retracts the relay's own follow of a departing listener.
func (b *Builder) UndoFollow(remoteActor string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       b.newID(),
		"type":     "Undo",
		"actor":    b.actorIRI,
		"to":       []string{remoteActor},
		"object": map[string]interface{}{
			"id":     b.newID(),
			"type":   "Follow",
			"actor":  b.actorIRI,
			"object": remoteActor,
		},
	}
}

// Announce wraps an inner object for fan-out to listeners.
func (b *Builder) Announce(objectIRI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       fmt.Sprintf("%s/activities/%s", b.baseURL, uuid.NewSHA1(uuid.NameSpaceURL, []byte(objectIRI)).String()),
		"type":     "Announce",
		"actor":    b.actorIRI,
		"to":       []string{b.baseURL + "/followers"},
		"object":   objectIRI,
	}
}
