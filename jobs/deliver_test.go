package jobs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anterales/relay/activitypub"
	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
	"github.com/anterales/relay/util"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "relay-db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testDeliverer(t *testing.T, database *db.DB, threshold int) *Deliverer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	signer := activitypub.NewSigner(key, "https://relay.example/actor#main-key")
	return NewDeliverer(database, signer, &http.Client{Timeout: 5 * time.Second}, util.UserAgent(), threshold)
}

func deliverJob(t *testing.T, inboxIRI string) *domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.DeliverPayload{
		InboxIRI: inboxIRI,
		Body:     json.RawMessage(`{"type":"Announce"}`),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &domain.Job{
		ID:        uuid.New(),
		Kind:      domain.KindDeliverOne,
		Payload:   payload,
		Status:    domain.JobRunning,
		TimeoutAt: time.Now().UTC().Add(time.Minute),
		CreatedAt: time.Now().UTC(),
	}
}

func TestDeliverOneSuccess(t *testing.T) {
	var sawSignature, sawDigest atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSignature.Store(r.Header.Get("Signature") != "")
		sawDigest.Store(r.Header.Get("Digest") != "")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	database := openTestDB(t)
	d := testDeliverer(t, database, 5)

	err := d.DeliverOne(context.Background(), deliverJob(t, server.URL+"/inbox"))
	if err != nil {
		t.Fatalf("DeliverOne failed: %v", err)
	}
	if !sawSignature.Load() {
		t.Error("Delivery should carry a Signature header")
	}
	if !sawDigest.Load() {
		t.Error("Delivery should carry a Digest header")
	}

	authority, _ := util.Authority(server.URL)
	err2, ts := database.ReadLastOnline(authority)
	if err2 != nil || ts == nil {
		t.Error("Success should record last_online")
	}
	err3, contact := database.ReadContact(authority)
	if err3 != nil {
		t.Fatalf("ReadContact failed: %v", err3)
	}
	if contact == nil || contact.State != domain.ContactHealthy {
		t.Errorf("Contact should be healthy after success, got %+v", contact)
	}
}

func TestDeliverOneTransientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	database := openTestDB(t)
	d := testDeliverer(t, database, 5)

	err := d.DeliverOne(context.Background(), deliverJob(t, server.URL+"/inbox"))
	if err == nil {
		t.Fatal("5xx should fail the attempt")
	}
	if !relayerr.Retryable(err) {
		t.Errorf("5xx should be retryable, got kind %s", relayerr.KindOf(err))
	}

	authority, _ := util.Authority(server.URL)
	err2, contact := database.ReadContact(authority)
	if err2 != nil || contact == nil {
		t.Fatalf("Contact should exist after failure: %v", err2)
	}
	if contact.State != domain.ContactBackingOff || contact.Failures != 1 {
		t.Errorf("Expected backing_off with 1 failure, got %+v", contact)
	}
	if !contact.NextRetryAfter.After(time.Now()) {
		t.Error("Backing off contact should have a future retry time")
	}
}

func TestDeliverOneRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	database := openTestDB(t)
	d := testDeliverer(t, database, 5)
	job := deliverJob(t, server.URL+"/inbox")

	if err := d.DeliverOne(context.Background(), job); err == nil {
		t.Fatal("First attempt should fail")
	}
	if err := d.DeliverOne(context.Background(), job); err != nil {
		t.Fatalf("Second attempt should succeed: %v", err)
	}

	authority, _ := util.Authority(server.URL)
	err, contact := database.ReadContact(authority)
	if err != nil || contact == nil {
		t.Fatalf("ReadContact failed: %v", err)
	}
	if contact.State != domain.ContactHealthy || contact.Failures != 0 {
		t.Errorf("Success should reset the contact, got %+v", contact)
	}
}

func TestDeliverOnePermanentFailuresReachUnreachable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	database := openTestDB(t)
	threshold := 3
	d := testDeliverer(t, database, threshold)
	authority, _ := util.Authority(server.URL)

	for i := 0; i < threshold; i++ {
		err := d.DeliverOne(context.Background(), deliverJob(t, server.URL+"/inbox"))
		if err == nil {
			t.Fatalf("Attempt %d: 403 should fail", i)
		}
		if relayerr.Retryable(err) {
			t.Errorf("403 should be terminal for the job, got kind %s", relayerr.KindOf(err))
		}
	}

	err, contact := database.ReadContact(authority)
	if err != nil || contact == nil {
		t.Fatalf("ReadContact failed: %v", err)
	}
	if contact.State != domain.ContactUnreachable {
		t.Fatalf("Contact should be unreachable after %d permanent failures, got %s", threshold, contact.State)
	}

	// While unreachable and inside the quiet period, deliveries skip silently
	before := calls.Load()
	if err := d.DeliverOne(context.Background(), deliverJob(t, server.URL+"/inbox")); err != nil {
		t.Fatalf("Unreachable host should be skipped without error: %v", err)
	}
	if calls.Load() != before {
		t.Error("Skipped delivery should not reach the host")
	}
}

func TestDeliverOneOther4xxDoesNotDegrade(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	database := openTestDB(t)
	d := testDeliverer(t, database, 5)

	err := d.DeliverOne(context.Background(), deliverJob(t, server.URL+"/inbox"))
	if err == nil {
		t.Fatal("404 should fail the job")
	}
	if relayerr.Retryable(err) {
		t.Error("404 should be terminal")
	}

	authority, _ := util.Authority(server.URL)
	err2, contact := database.ReadContact(authority)
	if err2 != nil {
		t.Fatalf("ReadContact failed: %v", err2)
	}
	if contact != nil {
		t.Errorf("Plain 4xx should not touch the contact state, got %+v", contact)
	}
}

func TestDeliverOneNetworkErrorIsTransient(t *testing.T) {
	database := openTestDB(t)
	d := testDeliverer(t, database, 5)

	// nothing listens here
	err := d.DeliverOne(context.Background(), deliverJob(t, "http://127.0.0.1:1/inbox"))
	if err == nil {
		t.Fatal("Connection refused should fail")
	}
	if !relayerr.Retryable(err) {
		t.Errorf("Network errors should be retryable, got kind %s", relayerr.KindOf(err))
	}
}
