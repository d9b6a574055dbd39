package homeassistant

import (
	"reflect"
	"strings"
	"testing"
)

func TestJoinRegistries(t *testing.T) {
	areas := []Area{
		{AreaID: "office", Name: "Office"},
		{AreaID: "lr", Name: "Living Room"},
	}
	devices := []Device{
		{ID: "d1", Name: "Hue Bulb", AreaID: "office"},
		{ID: "d2", Name: "factory name", NameByUser: "TV", AreaID: "lr"},
		{ID: "d3", Name: "Orphan Plug"},
	}
	entries := []RegistryEntry{
		{EntityID: "light.office_lamp", DeviceID: "d1"},
		{EntityID: "sensor.office_lamp_power", DeviceID: "d1"},
		{EntityID: "media_player.tv", DeviceID: "d2"},
		{EntityID: "switch.tv_backlight", DeviceID: "d2", DisabledBy: "user"},
		{EntityID: "switch.orphan", DeviceID: "d3"},
		{EntityID: "light.no_device"},
	}

	summary, details := JoinRegistries(areas, devices, entries)

	want := AreaSummary{
		"Office":      {"light": 1, "sensor": 1},
		"Living Room": {"media_player": 1},
		"Unassigned":  {"switch": 1},
	}
	if !reflect.DeepEqual(summary, want) {
		t.Errorf("summary = %v, want %v", summary, want)
	}

	if len(details) != 3 {
		t.Fatalf("got %d details, want 3", len(details))
	}
	byID := make(map[string]DeviceDetail)
	for _, d := range details {
		byID[d.ID] = d
	}
	if byID["d2"].Name != "TV" {
		t.Errorf("d2 name = %q, want user-assigned name", byID["d2"].Name)
	}
	if byID["d2"].Area != "Living Room" {
		t.Errorf("d2 area = %q", byID["d2"].Area)
	}
	if got := byID["d1"].Domains; !reflect.DeepEqual(got, []string{"light", "sensor"}) {
		t.Errorf("d1 domains = %v", got)
	}
	if byID["d3"].Area != "Unassigned" {
		t.Errorf("d3 area = %q, want Unassigned", byID["d3"].Area)
	}
}

func TestAreaSummaryString(t *testing.T) {
	if got := (AreaSummary{}).String(); got != "" {
		t.Errorf("empty summary = %q, want empty string", got)
	}

	s := AreaSummary{
		"Office":  {"light": 2, "fan": 1},
		"Kitchen": {"light": 3},
	}
	out := s.String()
	if !strings.HasPrefix(out, "Areas:\n") {
		t.Errorf("missing header: %q", out)
	}
	// Areas sorted alphabetically, domains sorted within each line.
	wantOrder := strings.Index(out, "Kitchen:") < strings.Index(out, "Office:")
	if !wantOrder {
		t.Errorf("areas not sorted: %q", out)
	}
	if !strings.Contains(out, "Office: fan=1 light=2") {
		t.Errorf("office line wrong: %q", out)
	}
}
