package activitypub

import (
	"testing"

	"github.com/anterales/relay/relayerr"
)

func TestParseActivity(t *testing.T) {
	body := []byte(`{
		"id": "https://a.example/activities/1",
		"type": "Announce",
		"actor": "https://a.example/actor",
		"object": "https://a.example/notes/42",
		"unknownField": true
	}`)

	a, err := ParseActivity(body)
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	if a.Type != "Announce" || a.Actor != "https://a.example/actor" {
		t.Errorf("Unexpected parse result %+v", a)
	}
	if string(a.Raw) != string(body) {
		t.Error("Raw body should be retained for verbatim forwarding")
	}
}

func TestParseActivityMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no type", `{"id":"x","actor":"y"}`},
		{"no id", `{"type":"Follow","actor":"y"}`},
		{"no actor", `{"type":"Follow","id":"x"}`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseActivity([]byte(tt.body))
			if err == nil {
				t.Fatal("Expected error")
			}
			if relayerr.KindOf(err) != relayerr.MalformedActivity {
				t.Errorf("Expected MalformedActivity, got %s", relayerr.KindOf(err))
			}
		})
	}
}

func TestObjectIRI(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"bare string object",
			`{"id":"x","type":"Announce","actor":"y","object":"https://a.example/notes/1"}`,
			"https://a.example/notes/1",
		},
		{
			"embedded object",
			`{"id":"x","type":"Create","actor":"y","object":{"id":"https://a.example/notes/2","type":"Note"}}`,
			"https://a.example/notes/2",
		},
		{
			"no object",
			`{"id":"x","type":"Follow","actor":"y"}`,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseActivity([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseActivity failed: %v", err)
			}
			if got := a.ObjectIRI(); got != tt.want {
				t.Errorf("ObjectIRI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObjectType(t *testing.T) {
	a, err := ParseActivity([]byte(`{"id":"x","type":"Undo","actor":"y","object":{"id":"z","type":"Follow"}}`))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	if a.ObjectType() != "Follow" {
		t.Errorf("Expected embedded type Follow, got %q", a.ObjectType())
	}

	a, err = ParseActivity([]byte(`{"id":"x","type":"Undo","actor":"y","object":"https://z.example/1"}`))
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	if a.ObjectType() != "" {
		t.Errorf("Bare IRI object has no type, got %q", a.ObjectType())
	}
}

func TestForwardedVerbatim(t *testing.T) {
	for _, kind := range []string{"Delete", "Update", "Add", "Remove"} {
		if !ForwardedVerbatim(kind) {
			t.Errorf("%s should be forwarded verbatim", kind)
		}
	}
	for _, kind := range []string{"Announce", "Create", "Follow", "Like", "Undo"} {
		if ForwardedVerbatim(kind) {
			t.Errorf("%s should not be forwarded verbatim", kind)
		}
	}
}

func TestBuilderAccept(t *testing.T) {
	b := NewBuilder("https://relay.example", "https://relay.example/actor")
	accept := b.Accept("https://a.example/activities/follow-1", "https://a.example/actor")

	if accept["type"] != "Accept" {
		t.Errorf("Expected type Accept, got %v", accept["type"])
	}
	if accept["actor"] != "https://relay.example/actor" {
		t.Errorf("Accept should be from the relay actor, got %v", accept["actor"])
	}

	obj, ok := accept["object"].(map[string]interface{})
	if !ok {
		t.Fatal("Accept object should embed the Follow")
	}
	if obj["id"] != "https://a.example/activities/follow-1" {
		t.Errorf("Embedded follow id wrong: %v", obj["id"])
	}
	if obj["actor"] != "https://a.example/actor" {
		t.Errorf("Embedded follow actor wrong: %v", obj["actor"])
	}
}

func TestBuilderAnnounceDeterministicID(t *testing.T) {
	b := NewBuilder("https://relay.example", "https://relay.example/actor")

	a1 := b.Announce("https://a.example/notes/1")
	a2 := b.Announce("https://a.example/notes/1")
	a3 := b.Announce("https://a.example/notes/2")

	if a1["id"] != a2["id"] {
		t.Error("Announce id should be deterministic for the same object")
	}
	if a1["id"] == a3["id"] {
		t.Error("Announce ids should differ across objects")
	}
	if a1["object"] != "https://a.example/notes/1" {
		t.Errorf("Announce should carry the object IRI, got %v", a1["object"])
	}
}

func TestBuilderUndoFollow(t *testing.T) {
	b := NewBuilder("https://relay.example", "https://relay.example/actor")
	undo := b.UndoFollow("https://a.example/actor")

	if undo["type"] != "Undo" {
		t.Errorf("Expected type Undo, got %v", undo["type"])
	}
	obj, ok := undo["object"].(map[string]interface{})
	if !ok {
		t.Fatal("Undo should embed the Follow")
	}
	if obj["type"] != "Follow" || obj["object"] != "https://a.example/actor" {
		t.Errorf("Embedded follow wrong: %v", obj)
	}
}
