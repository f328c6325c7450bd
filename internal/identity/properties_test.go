package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDefaultProperties(t *testing.T) {
	p := Default()

	if p.Fields["browser"] != "Discord Client" {
		t.Errorf("browser = %v, want Discord Client", p.Fields["browser"])
	}
	if _, err := uuid.Parse(p.LaunchID); err != nil {
		t.Errorf("LaunchID %q is not a uuid: %v", p.LaunchID, err)
	}
	if _, err := uuid.Parse(p.HeartbeatSessionID); err != nil {
		t.Errorf("HeartbeatSessionID %q is not a uuid: %v", p.HeartbeatSessionID, err)
	}
	if p.Fields["client_launch_id"] != p.LaunchID {
		t.Error("client_launch_id does not match LaunchID")
	}
	if strings.Contains(p.UserAgent, "%OS") || strings.Contains(p.UserAgent, "%VER") {
		t.Errorf("UserAgent has unexpanded placeholder: %q", p.UserAgent)
	}
	if !strings.Contains(p.UserAgent, "discord/") {
		t.Errorf("desktop UserAgent missing discord/ tag: %q", p.UserAgent)
	}
}

func TestAnonymousProperties(t *testing.T) {
	p := Anonymous()

	if p.Fields["browser"] != "Mozilla" {
		t.Errorf("browser = %v, want Mozilla", p.Fields["browser"])
	}
	if !strings.Contains(p.UserAgent, "Firefox") {
		t.Errorf("anonymous UserAgent should look like Firefox: %q", p.UserAgent)
	}
	// Firefox version extracted from the UA
	if p.Fields["browser_version"] == "" {
		t.Error("browser_version not extracted")
	}
}

func TestEncodeIsBase64JSON(t *testing.T) {
	p := Anonymous()
	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["client_launch_id"] != p.LaunchID {
		t.Errorf("client_launch_id = %v, want %v", decoded["client_launch_id"], p.LaunchID)
	}
}

func TestForGatewayExtras(t *testing.T) {
	p := Anonymous()
	g := p.ForGateway()
	if g["client_app_state"] != "unfocused" {
		t.Errorf("client_app_state = %v", g["client_app_state"])
	}
	if g["is_fast_connect"] != false {
		t.Errorf("is_fast_connect = %v", g["is_fast_connect"])
	}
	// base fields untouched
	if _, ok := p.Fields["client_app_state"]; ok {
		t.Error("ForGateway mutated the base field set")
	}
}

func TestLaunchSignatureMaskedBits(t *testing.T) {
	sig := launchSignature()
	id, err := uuid.Parse(sig)
	if err != nil {
		t.Fatalf("launch signature %q is not a uuid: %v", sig, err)
	}
	// A handful of positions from the mask must be zero. Bit 119 (the 1 in
	// the second byte of the pattern) maps to byte 1, bit 0x80>>... spot
	// check byte boundaries instead: the top masked bit is bit 119.
	if id[1]&0x80 != 0 {
		t.Errorf("masked bit set in %v", id)
	}
}

func TestBrowserVersion(t *testing.T) {
	cases := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (X11; Linux x86_64; rv:145.0) Gecko/20100101 Firefox/145.0", "145.0"},
		{"Mozilla/5.0 AppleWebKit/537.36 Chrome/138.0.7204.251 Electron/37.6.0 Safari/537.36", "37.6.0"},
		{"SomethingElse/1.0", ""},
	}
	for _, c := range cases {
		if got := browserVersion(c.ua); got != c.want {
			t.Errorf("browserVersion(%q) = %q, want %q", c.ua, got, c.want)
		}
	}
}

func TestFromConfigCustomUA(t *testing.T) {
	p, err := FromConfig("anonymous", "MyAgent Chrome/1.2.3")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if p.UserAgent != "MyAgent Chrome/1.2.3" {
		t.Errorf("UserAgent = %q", p.UserAgent)
	}
	if p.Fields["browser_version"] != "1.2.3" {
		t.Errorf("browser_version = %v, want 1.2.3", p.Fields["browser_version"])
	}

	if _, err := FromConfig("stealth", ""); err == nil {
		t.Error("FromConfig accepted unknown mode")
	}
}

func TestProbeOSVersion(t *testing.T) {
	// Exercises both the kernel and platform probes; on any supported
	// host at least one of them answers, and neither may error out of
	// the fallback chain.
	v := probeOSVersion()
	if v == "" {
		t.Log("no os version reported on this host")
	}
}
