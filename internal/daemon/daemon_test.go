package daemon

import (
	"testing"

	"github.com/sparklost/presenced/internal/config"
	"github.com/sparklost/presenced/internal/settings"
)

func TestApplySettings(t *testing.T) {
	d := New(config.Default(), t.TempDir())

	d.applySettings(&settings.Settings{Status: &settings.StatusSettings{
		Status: "idle",
		CustomStatus: &settings.CustomStatus{
			Text:    "brb",
			EmojiID: 1234567890,
		},
	}})
	if d.status != "idle" || d.custom != "brb" {
		t.Errorf("status=%q custom=%q", d.status, d.custom)
	}
	if d.emoji == nil || d.emoji["id"] != "1234567890" || d.emoji["name"] != nil {
		t.Errorf("unexpected emoji: %v", d.emoji)
	}
	if d.emoji["animated"] != false {
		t.Errorf("animated should default false: %v", d.emoji)
	}

	// An emoji with neither id nor name is dropped.
	d.applySettings(&settings.Settings{Status: &settings.StatusSettings{
		Status:       "dnd",
		CustomStatus: &settings.CustomStatus{Text: "busy"},
	}})
	if d.emoji != nil {
		t.Errorf("empty emoji should be dropped, got %v", d.emoji)
	}
	if d.status != "dnd" || d.custom != "busy" {
		t.Errorf("status=%q custom=%q", d.status, d.custom)
	}

	// Missing status falls back to online and clears the rest.
	d.applySettings(&settings.Settings{})
	if d.status != "online" || d.custom != "" || d.emoji != nil {
		t.Errorf("fallback gave status=%q custom=%q emoji=%v", d.status, d.custom, d.emoji)
	}
}

func TestMergeActivities(t *testing.T) {
	rpc := []map[string]any{
		{"application_id": "1", "name": "RPC Game"},
	}
	det := []map[string]any{
		{"application_id": "1", "name": "Detected Same"},
		{"application_id": "2", "name": "Detected Other"},
	}

	got := mergeActivities(rpc, det)
	if len(got) != 2 {
		t.Fatalf("got %d activities, want 2", len(got))
	}
	if got[0]["name"] != "RPC Game" {
		t.Errorf("rich presence entry should win for id 1: %v", got[0])
	}
	if got[1]["application_id"] != "2" {
		t.Errorf("non-conflicting detection entry should survive: %v", got[1])
	}

	if got := mergeActivities(nil, det); len(got) != 2 {
		t.Errorf("nil primary should pass secondary through, got %v", got)
	}
	if got := mergeActivities(rpc, nil); len(got) != 1 {
		t.Errorf("nil secondary should pass primary through, got %v", got)
	}
}

func TestLegacyHost(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		host   string
		expl   *bool
		legacy bool
	}{
		{"", nil, false},
		{"https://discord.com", nil, false},
		{"https://canary.discord.com", nil, false},
		// A custom host that is not a spacebar fork keeps the modern
		// dialect; presence updates must not be silently dropped.
		{"https://gateway.example.org", nil, false},
		{"https://spacebar.example.org", nil, true},
		{"https://spacebar.example.org", &no, false},
		{"", &yes, true},
	}
	for _, tc := range cases {
		cfg := &config.Config{CustomHost: tc.host, LegacyHost: tc.expl}
		if got := legacyHost(cfg); got != tc.legacy {
			t.Errorf("legacyHost(%q, %v) = %v, want %v", tc.host, tc.expl, got, tc.legacy)
		}
	}
}

func TestEqualStrings(t *testing.T) {
	if !equalStrings(nil, nil) || !equalStrings([]string{"a"}, []string{"a"}) {
		t.Error("equal slices reported unequal")
	}
	if equalStrings([]string{"a"}, []string{"b"}) || equalStrings([]string{"a"}, nil) {
		t.Error("unequal slices reported equal")
	}
}
