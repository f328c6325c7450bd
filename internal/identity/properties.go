// Package identity builds the client-properties fingerprint Discord expects
// from first-party clients: a JSON blob sent base64-encoded in the
// X-Super-Properties header and embedded in the gateway identify payload,
// plus a matching User-Agent string.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

const (
	clientVersion    = "0.0.115"
	userAgentWeb     = "Mozilla/5.0 (%OS; rv:145.0) Gecko/20100101 Firefox/145.0"
	userAgentDesktop = "Mozilla/5.0 (%OS) AppleWebKit/537.36 (KHTML, like Gecko) discord/" + clientVersion + " Chrome/138.0.7204.251 Electron/37.6.0 Safari/537.36"

	linuxUAString   = "X11; Linux x86_64"
	windowsUAString = "Windows NT %VER; Win64; x64"
	macosUAString   = "Machintos; Intel Mac OS X %VER"

	fallbackWindowsVer = "10.0"
	fallbackMacOSVer   = "15.3"
)

// Properties is the fingerprint plus the few fields the gateway session
// needs to read back out of it.
type Properties struct {
	// Fields is the raw property set, JSON-encodable in insertion-stable
	// form. Values mirror what the official clients send.
	Fields map[string]any

	UserAgent          string
	LaunchID           string // client_launch_id
	HeartbeatSessionID string // client_heartbeat_session_id
}

func operatingSystem() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "Mac OS X"
	default:
		return "Linux"
	}
}

func systemLocale() string {
	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	if locale == "" {
		return "en_US"
	}
	return strings.SplitN(locale, ".", 2)[0]
}

// Anonymous returns web-client-like properties with most fields blanked.
func Anonymous() *Properties {
	p := &Properties{
		LaunchID:           uuid.NewString(),
		HeartbeatSessionID: uuid.NewString(),
	}
	p.Fields = map[string]any{
		"os":                       operatingSystem(),
		"browser":                  "Mozilla",
		"device":                   "",
		"system_locale":            systemLocale(),
		"browser_user_agent":       "",
		"browser_version":          "",
		"os_version":               "",
		"referrer":                 "",
		"referring_domain":         "",
		"referrer_current":         "",
		"referring_domain_current": "",
		"release_channel":          "stable",
		"client_build_number":      nil,
		"client_event_source":      nil,
		"has_client_mods":          false,
		"launch_signature":         launchSignature(),
		"client_launch_id":         p.LaunchID,
		// used for persisted analytics heartbeat
		"client_heartbeat_session_id": p.HeartbeatSessionID,
	}
	p.setUserAgent(adjustUserAgentOS(userAgentWeb, ""))
	return p
}

// Default returns desktop-client-like properties.
func Default() *Properties {
	arch := "x64"
	osVersion := probeOSVersion()
	if runtime.GOOS == "darwin" {
		arch = "arm64"
	}

	p := &Properties{
		LaunchID:           uuid.NewString(),
		HeartbeatSessionID: uuid.NewString(),
	}
	p.Fields = map[string]any{
		"os":                          operatingSystem(),
		"browser":                     "Discord Client",
		"release_channel":             "stable",
		"os_version":                  osVersion,
		"os_arch":                     arch,
		"app_arch":                    arch,
		"system_locale":               systemLocale(),
		"has_client_mods":             false,
		"browser_user_agent":          "",
		"browser_version":             "",
		"runtime_environment":         "native",
		"client_build_number":         nil,
		"native_build_number":         nil,
		"client_event_source":         nil,
		"launch_signature":            launchSignature(),
		"client_launch_id":            p.LaunchID,
		"client_heartbeat_session_id": p.HeartbeatSessionID,
	}
	if runtime.GOOS == "linux" {
		wm := envOr("XDG_CURRENT_DESKTOP", "unknown") + "," + envOr("GDMSESSION", "unknown")
		p.Fields["window_manager"] = wm
	}

	ua := adjustUserAgentOS(userAgentDesktop, osVersion)
	if m := regexp.MustCompile(`discord\/([\d\.]+)`).FindStringSubmatch(ua); m != nil {
		p.Fields["client_version"] = m[1]
	}
	p.setUserAgent(ua)
	return p
}

// probeOSVersion reports the kernel release on Linux (what the desktop
// client puts in os_version) and the platform version elsewhere.
func probeOSVersion() string {
	if runtime.GOOS == "linux" {
		if v, err := host.KernelVersion(); err == nil {
			return v
		}
		return ""
	}
	if _, _, v, err := host.PlatformInformation(); err == nil {
		return v
	}
	return ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetUserAgent replaces the browser user agent, re-extracting the browser
// version. Used for the custom_user_agent config override.
func (p *Properties) SetUserAgent(userAgent string) {
	p.setUserAgent(userAgent)
}

func (p *Properties) setUserAgent(userAgent string) {
	p.UserAgent = userAgent
	p.Fields["browser_user_agent"] = userAgent
	p.Fields["browser_version"] = browserVersion(userAgent)
}

// ForGateway returns a copy of the fields with the extra keys the gateway
// identify payload carries.
func (p *Properties) ForGateway() map[string]any {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["client_app_state"] = "unfocused"
	out["is_fast_connect"] = false
	return out
}

// Encode returns the base64 form used in the X-Super-Properties header.
func (p *Properties) Encode() (string, error) {
	data, err := json.Marshal(p.Fields)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// launchSignature generates a uuid-shaped signature with a fixed bit
// pattern masked out, mimicking the desktop client.
func launchSignature() string {
	const bits = "00000000100000000001000000010000000010000001000000001000000000000010000010000001000000000100000000000001000000000000100000000000"
	mask := new(big.Int)
	mask.SetString(bits, 2)

	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	full := new(big.Int).Lsh(big.NewInt(1), 128)
	full.Sub(full, big.NewInt(1))
	n.And(n, new(big.Int).AndNot(full, mask))

	var out uuid.UUID
	n.FillBytes(out[:])
	return out.String()
}

var browserVersionPatterns = []struct {
	marker string
	re     *regexp.Regexp
}{
	{"Firefox", regexp.MustCompile(`Firefox/([\d\.]+)`)},
	{"Opera", regexp.MustCompile(`Opera/([\d\.]+)`)},
	{"Trident", regexp.MustCompile(`Trident\/.*rv:([\d\.]+)`)},
	{"Electron", regexp.MustCompile(`Electron/([\d\.]+)`)},
	{"Chrome", regexp.MustCompile(`Chrome/([\d\.]+)`)},
	{"Safari", regexp.MustCompile(`Version/([\d\.]+).*Safari/`)},
}

func browserVersion(userAgent string) string {
	for _, p := range browserVersionPatterns {
		if !strings.Contains(userAgent, p.marker) {
			continue
		}
		if m := p.re.FindStringSubmatch(userAgent); m != nil {
			return m[1]
		}
	}
	return ""
}

// adjustUserAgentOS substitutes the %OS / %VER placeholders for the
// current platform.
func adjustUserAgentOS(userAgent, ver string) string {
	var osPart string
	switch runtime.GOOS {
	case "windows":
		if ver == "" {
			ver = fallbackWindowsVer
		}
		parts := strings.Split(ver, ".")
		if len(parts) > 2 {
			parts = parts[:2]
		}
		osPart = strings.ReplaceAll(windowsUAString, "%VER", strings.Join(parts, "."))
	case "darwin":
		if ver == "" {
			ver = fallbackMacOSVer
		}
		osPart = strings.ReplaceAll(macosUAString, "%VER", strings.ReplaceAll(ver, ".", "_"))
	default:
		osPart = linuxUAString
	}
	return strings.ReplaceAll(userAgent, "%OS", osPart)
}

// FromConfig builds properties for the configured mode ("default" or
// "anonymous"), applying the custom user agent override when set.
func FromConfig(mode, customUserAgent string) (*Properties, error) {
	var p *Properties
	switch strings.ToLower(mode) {
	case "anonymous":
		p = Anonymous()
	case "", "default":
		p = Default()
	default:
		return nil, fmt.Errorf("unknown client_properties mode: %q", mode)
	}
	if customUserAgent != "" {
		p.SetUserAgent(customUserAgent)
	}
	return p, nil
}
