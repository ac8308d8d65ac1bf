package domain

import (
	"time"

	"github.com/google/uuid"
)

// Listener represents a remote server that follows this relay. It is keyed
// by the actor IRI of the remote instance actor that sent the Follow.
type Listener struct {
	ActorIRI     string    `json:"actor_iri"`
	InboxIRI     string    `json:"inbox_iri"`
	CreatedAt    time.Time `json:"created_at"`
	LastOnlineAt time.Time `json:"last_online_at,omitempty"`
}

// Actor is a cached remote actor document, reduced to what signature
// verification and delivery need.
type Actor struct {
	ActorIRI     string    `json:"actor_iri"`
	PublicKeyPem string    `json:"public_key_pem"`
	PublicKeyID  string    `json:"public_key_id"`
	InboxIRI     string    `json:"inbox_iri"`
	ListenerRef  string    `json:"listener_ref,omitempty"` // actor IRI of the owning listener
	SavedAt      time.Time `json:"saved_at"`
}

// Node holds presentation metadata about a listener, discovered through
// nodeinfo and instance polling. Absence means not yet discovered.
type Node struct {
	ListenerRef string    `json:"listener_ref"`
	Software    string    `json:"software,omitempty"`
	Version     string    `json:"version,omitempty"`
	RegOpen     bool      `json:"reg_open"`
	Description string    `json:"description,omitempty"`
	Contact     string    `json:"contact,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContactState tracks reachability of a single inbox authority.
type ContactState string

const (
	ContactHealthy     ContactState = "healthy"
	ContactBackingOff  ContactState = "backing_off"
	ContactUnreachable ContactState = "unreachable"
)

// Contact is the per-host delivery contact record, keyed by the URL
// authority of the inbox.
type Contact struct {
	Authority      string       `json:"authority"`
	Failures       int          `json:"failures"`
	NextRetryAfter time.Time    `json:"next_retry_after,omitempty"`
	State          ContactState `json:"state"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MediaEntry maps a local uuid to a remote media URL so listener avatars
// can be proxied through the relay.
type MediaEntry struct {
	ID        uuid.UUID `json:"id"`
	RemoteURL string    `json:"remote_url"`
	SavedAt   time.Time `json:"saved_at"`
}
