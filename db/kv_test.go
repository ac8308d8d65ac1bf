package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := OpenKV(filepath.Join(t.TempDir(), "relay-db"))
	if err != nil {
		t.Fatalf("OpenKV failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestGetAbsentKey(t *testing.T) {
	kv := openTestKV(t)

	v, err := kv.Get(TreeListeners, []byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != nil {
		t.Errorf("Absent key should return nil, got %v", v)
	}
}

func TestPutGetDelete(t *testing.T) {
	kv := openTestKV(t)

	key := []byte("https://a.example/actor")
	value := []byte(`{"ok":true}`)

	if err := kv.Put(TreeListeners, key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := kv.Get(TreeListeners, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Expected %s, got %s", value, got)
	}

	if err := kv.Delete(TreeListeners, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = kv.Get(TreeListeners, key)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if got != nil {
		t.Error("Deleted key should be absent")
	}
}

func TestRangePrefix(t *testing.T) {
	kv := openTestKV(t)

	entries := map[string]string{
		"job|001": "a",
		"job|002": "b",
		"job|003": "c",
		"other|1": "x",
	}
	for k, v := range entries {
		if err := kv.Put(TreeJobs, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var keys []string
	err := kv.Range(TreeJobs, []byte("job|"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}

	want := []string{"job|001", "job|002", "job|003"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Key %d: expected %s, got %s (range must be ordered)", i, want[i], keys[i])
		}
	}
}

func TestRangeStopsOnError(t *testing.T) {
	kv := openTestKV(t)

	for _, k := range []string{"a", "b", "c"} {
		if err := kv.Put(TreeJobs, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	stop := errors.New("stop")
	var seen int
	err := kv.Range(TreeJobs, nil, func(_, _ []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Range should propagate the callback error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("Range should stop after the error, saw %d keys", seen)
	}
}

func TestCASAbsentKey(t *testing.T) {
	kv := openTestKV(t)
	key := []byte("claim")

	applied, current, err := kv.CAS(TreeJobs, key, nil, []byte("v1"))
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if !applied {
		t.Fatal("CAS on absent key with nil expected should apply")
	}
	if current != nil {
		t.Errorf("Applied CAS should not report a current value, got %s", current)
	}

	// Second attempt with nil expected must lose
	applied, current, err = kv.CAS(TreeJobs, key, nil, []byte("v2"))
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if applied {
		t.Error("CAS with nil expected against an existing key should not apply")
	}
	if string(current) != "v1" {
		t.Errorf("Losing CAS should report current value v1, got %s", current)
	}
}

func TestCASSwapAndDelete(t *testing.T) {
	kv := openTestKV(t)
	key := []byte("state")

	if err := kv.Put(TreeJobs, key, []byte("pending")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	applied, _, err := kv.CAS(TreeJobs, key, []byte("pending"), []byte("running"))
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if !applied {
		t.Fatal("CAS with matching expected should apply")
	}

	// Stale expected loses
	applied, current, err := kv.CAS(TreeJobs, key, []byte("pending"), []byte("running"))
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if applied {
		t.Error("Stale CAS should not apply")
	}
	if string(current) != "running" {
		t.Errorf("Expected current value running, got %s", current)
	}

	// nil next deletes
	applied, _, err = kv.CAS(TreeJobs, key, []byte("running"), nil)
	if err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if !applied {
		t.Fatal("CAS delete should apply")
	}
	v, err := kv.Get(TreeJobs, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != nil {
		t.Error("CAS with nil next should delete the key")
	}
}
