package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
)

func hostJob(t *testing.T, authority, listenerRef string) *domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.HostPayload{Authority: authority, ListenerRef: listenerRef})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &domain.Job{
		ID:        uuid.New(),
		Kind:      domain.KindQueryNodeInfo,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueryNodeInfo(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/nodeinfo":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"links": []map[string]string{
					{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.0", "href": server.URL + "/nodeinfo/2.0"},
				},
			})
		case "/nodeinfo/2.0":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"software":          map[string]string{"name": "mastodon", "version": "4.2.0"},
				"openRegistrations": true,
				"metadata":          map[string]string{"nodeDescription": "a test server"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	database := openTestDB(t)
	n := NewNodeInfo(database, NewEngine(database.KV(), 1), server.Client(), "test")

	authority := strings.TrimPrefix(server.URL, "https://")
	listenerRef := "https://" + authority + "/actor"

	if err := n.QueryNodeInfo(context.Background(), hostJob(t, authority, listenerRef)); err != nil {
		t.Fatalf("QueryNodeInfo failed: %v", err)
	}

	err, node := database.ReadNode(listenerRef)
	if err != nil || node == nil {
		t.Fatalf("Node should be saved: %v", err)
	}
	if node.Software != "mastodon" || node.Version != "4.2.0" {
		t.Errorf("Software metadata wrong: %+v", node)
	}
	if !node.RegOpen {
		t.Error("Open registrations flag should carry over")
	}
	if node.Description != "a test server" {
		t.Errorf("Description should fall back to nodeinfo metadata, got %q", node.Description)
	}
}

func TestQueryNodeInfoNotAdvertised(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"links": []interface{}{}})
	}))
	defer server.Close()

	database := openTestDB(t)
	n := NewNodeInfo(database, NewEngine(database.KV(), 1), server.Client(), "test")
	authority := strings.TrimPrefix(server.URL, "https://")

	err := n.QueryNodeInfo(context.Background(), hostJob(t, authority, "https://x.example/actor"))
	if err == nil {
		t.Fatal("Missing nodeinfo links should fail")
	}
	if relayerr.Retryable(err) {
		t.Errorf("Absent nodeinfo is terminal, got kind %s", relayerr.KindOf(err))
	}
}

func TestQueryInstance(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/instance" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"title":             "Test Instance",
			"short_description": "short blurb",
			"email":             "admin@test.example",
			"thumbnail":         "https://cdn.test.example/thumb.png",
		})
	}))
	defer server.Close()

	database := openTestDB(t)
	n := NewNodeInfo(database, NewEngine(database.KV(), 1), server.Client(), "test")

	authority := strings.TrimPrefix(server.URL, "https://")
	listenerRef := "https://" + authority + "/actor"
	job := hostJob(t, authority, listenerRef)
	job.Kind = domain.KindQueryInstance

	if err := n.QueryInstance(context.Background(), job); err != nil {
		t.Fatalf("QueryInstance failed: %v", err)
	}

	err, node := database.ReadNode(listenerRef)
	if err != nil || node == nil {
		t.Fatalf("Node should be saved: %v", err)
	}
	if node.Description != "short blurb" {
		t.Errorf("Description wrong: %q", node.Description)
	}
	if node.Contact != "admin@test.example" {
		t.Errorf("Contact wrong: %q", node.Contact)
	}

	// the thumbnail goes through a cache_media job into the media proxy
	var cacheJob *domain.Job
	database.KV().Range(db.TreeJobs, nil, func(_, v []byte) error {
		var j domain.Job
		if json.Unmarshal(v, &j) == nil && j.Kind == domain.KindCacheMedia {
			cacheJob = &j
		}
		return nil
	})
	if cacheJob == nil {
		t.Fatal("Thumbnail should enqueue a cache_media job")
	}

	var media domain.MediaPayload
	if err := json.Unmarshal(cacheJob.Payload, &media); err != nil {
		t.Fatalf("Payload should decode: %v", err)
	}
	if media.RemoteURL != "https://cdn.test.example/thumb.png" {
		t.Errorf("cache_media should carry the thumbnail URL, got %q", media.RemoteURL)
	}

	if err := n.CacheMedia(context.Background(), cacheJob); err != nil {
		t.Fatalf("CacheMedia failed: %v", err)
	}
	err3, entries := database.ReadAllMedia()
	if err3 != nil {
		t.Fatalf("ReadAllMedia failed: %v", err3)
	}
	if len(entries) != 1 || entries[0].RemoteURL != "https://cdn.test.example/thumb.png" {
		t.Errorf("Thumbnail should be saved as media, got %v", entries)
	}
}

func TestQueryInstanceUnavailableIsTerminal(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	database := openTestDB(t)
	n := NewNodeInfo(database, NewEngine(database.KV(), 1), server.Client(), "test")
	authority := strings.TrimPrefix(server.URL, "https://")

	job := hostJob(t, authority, "https://x.example/actor")
	job.Kind = domain.KindQueryInstance

	err := n.QueryInstance(context.Background(), job)
	if err == nil {
		t.Fatal("404 instance endpoint should fail the job")
	}
	if relayerr.Retryable(err) {
		t.Error("Cosmetic metadata failures should not be retried")
	}
}
