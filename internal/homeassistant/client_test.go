package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		in         string
		domain, id string
	}{
		{"light.office_lamp", "light", "office_lamp"},
		{"media_player.kitchen_sonos", "media_player", "kitchen_sonos"},
		{"nodots", "", ""},
		{"light.weird.name", "light", "weird.name"},
	}
	for _, tt := range tests {
		domain, id := SplitEntityID(tt.in)
		if domain != tt.domain || id != tt.id {
			t.Errorf("SplitEntityID(%q) = (%q, %q), want (%q, %q)", tt.in, domain, id, tt.domain, tt.id)
		}
	}
}

func TestListEntitiesExposureFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			http.NotFound(w, r)
			return
		}
		states := []map[string]any{
			{
				"entity_id":  "light.office_lamp",
				"state":      "off",
				"attributes": map[string]any{"friendly_name": "Office Lamp"},
			},
			{
				"entity_id":  "light.hidden",
				"state":      "off",
				"attributes": map[string]any{"conversation_exposed": false},
			},
			{
				"entity_id":  "sensor.temp",
				"state":      "21.5",
				"attributes": map[string]any{"conversation_exposed": true},
			},
		}
		json.NewEncoder(w).Encode(states)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", testLogger())
	entities, err := c.ListEntities(context.Background())
	if err != nil {
		t.Fatalf("ListEntities() error: %v", err)
	}

	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2 (hidden entity should be excluded)", len(entities))
	}
	if entities[0].EntityID != "light.office_lamp" {
		t.Errorf("entities[0] = %q, want light.office_lamp", entities[0].EntityID)
	}
	if entities[0].Name != "Office Lamp" {
		t.Errorf("entities[0].Name = %q, want friendly name", entities[0].Name)
	}
	if entities[0].Domain != "light" {
		t.Errorf("entities[0].Domain = %q, want light", entities[0].Domain)
	}
	if entities[1].EntityID != "sensor.temp" {
		t.Errorf("entities[1] = %q, want sensor.temp (exposed=true)", entities[1].EntityID)
	}
	// No friendly_name: falls back to the entity ID.
	if entities[1].Name != "sensor.temp" {
		t.Errorf("entities[1].Name = %q, want entity ID fallback", entities[1].Name)
	}
}

func TestExecute(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", testLogger())
	ok := c.Execute(context.Background(), "light.turn_on", map[string]any{
		"entity_id": "light.office_lamp",
	})
	if !ok {
		t.Fatal("Execute() = false, want true")
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q, want /api/services/light/turn_on", gotPath)
	}
	if gotBody["entity_id"] != "light.office_lamp" {
		t.Errorf("body entity_id = %v", gotBody["entity_id"])
	}
}

func TestExecuteFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", testLogger())

	if c.Execute(context.Background(), "light.turn_on", nil) {
		t.Error("Execute() with 500 response = true, want false")
	}
	if c.Execute(context.Background(), "notaservice", nil) {
		t.Error("Execute() with malformed service = true, want false")
	}
}
