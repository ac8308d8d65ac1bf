package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
)

const maxMetadataBody = 128 * 1024

// NodeInfo polls listener hosts for presentation metadata: the nodeinfo
// documents and, best effort, a Mastodon-style instance endpoint.
type NodeInfo struct {
	db        *db.DB
	jobs      *Engine
	client    *http.Client
	userAgent string
}

func NewNodeInfo(database *db.DB, engine *Engine, client *http.Client, userAgent string) *NodeInfo {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NodeInfo{db: database, jobs: engine, client: client, userAgent: userAgent}
}

func (n *NodeInfo) Register(engine *Engine) {
	engine.Register(domain.KindQueryNodeInfo, n.QueryNodeInfo)
	engine.Register(domain.KindQueryInstance, n.QueryInstance)
	engine.Register(domain.KindCacheMedia, n.CacheMedia)
}

type wellKnownNodeInfo struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type nodeInfoDocument struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
	OpenRegistrations bool `json:"openRegistrations"`
	Metadata          struct {
		NodeName        string `json:"nodeName"`
		NodeDescription string `json:"nodeDescription"`
	} `json:"metadata"`
}

// QueryNodeInfo discovers and persists a host's nodeinfo document.
func (n *NodeInfo) QueryNodeInfo(ctx context.Context, job *domain.Job) error {
	var payload domain.HostPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding host payload: %w", err)
	}

	var wellKnown wellKnownNodeInfo
	wellKnownURL := fmt.Sprintf("https://%s/.well-known/nodeinfo", payload.Authority)
	if err := n.getJSON(ctx, wellKnownURL, &wellKnown); err != nil {
		return err
	}

	href := ""
	for _, link := range wellKnown.Links {
		// prefer 2.0, fall back to whatever the host advertises
		if strings.HasSuffix(link.Rel, "/2.0") {
			href = link.Href
			break
		}
		if href == "" {
			href = link.Href
		}
	}
	if href == "" {
		return relayerr.E(relayerr.NetworkPermanent, payload.Authority+" advertises no nodeinfo")
	}

	var doc nodeInfoDocument
	if err := n.getJSON(ctx, href, &doc); err != nil {
		return err
	}

	err, node := n.db.ReadNode(payload.ListenerRef)
	if err != nil {
		return err
	}
	if node == nil {
		node = &domain.Node{ListenerRef: payload.ListenerRef}
	}
	node.Software = doc.Software.Name
	node.Version = doc.Software.Version
	node.RegOpen = doc.OpenRegistrations
	if node.Description == "" {
		node.Description = doc.Metadata.NodeDescription
	}
	node.UpdatedAt = time.Now().UTC()

	return n.db.SaveNode(node)
}

type instanceDocument struct {
	Title            string `json:"title"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	Email            string `json:"email"`
	Thumbnail        string `json:"thumbnail"`
}

// QueryInstance fetches Mastodon-style instance metadata. Everything here
// is cosmetic, so failures are terminal rather than retried.
func (n *NodeInfo) QueryInstance(ctx context.Context, job *domain.Job) error {
	var payload domain.HostPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding host payload: %w", err)
	}

	var doc instanceDocument
	instanceURL := fmt.Sprintf("https://%s/api/v1/instance", payload.Authority)
	if err := n.getJSON(ctx, instanceURL, &doc); err != nil {
		return relayerr.Wrap(relayerr.NetworkPermanent, "instance metadata", err)
	}

	err, node := n.db.ReadNode(payload.ListenerRef)
	if err != nil {
		return err
	}
	if node == nil {
		node = &domain.Node{ListenerRef: payload.ListenerRef}
	}
	if doc.ShortDescription != "" {
		node.Description = doc.ShortDescription
	} else if doc.Description != "" {
		node.Description = doc.Description
	}
	node.Contact = doc.Email
	node.UpdatedAt = time.Now().UTC()

	if err := n.db.SaveNode(node); err != nil {
		return err
	}

	// map the instance thumbnail through the media proxy
	if doc.Thumbnail != "" {
		if err := n.jobs.Submit(domain.KindCacheMedia, domain.QueueMaintenance, domain.MediaPayload{RemoteURL: doc.Thumbnail}); err != nil {
			return err
		}
	}
	return nil
}

// CacheMedia maps a remote URL into the media proxy.
func (n *NodeInfo) CacheMedia(ctx context.Context, job *domain.Job) error {
	var payload domain.MediaPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding media payload: %w", err)
	}
	_, err := n.db.SaveMedia(payload.RemoteURL)
	return err
}

func (n *NodeInfo) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return relayerr.Wrap(relayerr.NetworkPermanent, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return relayerr.Wrap(relayerr.NetworkTransient, "fetching "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return relayerr.E(relayerr.NetworkTransient, fmt.Sprintf("%s returned %d", rawURL, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return relayerr.E(relayerr.NetworkPermanent, fmt.Sprintf("%s returned %d", rawURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return relayerr.Wrap(relayerr.NetworkTransient, "reading "+rawURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return relayerr.Wrap(relayerr.NetworkPermanent, "parsing "+rawURL, err)
	}
	return nil
}
