// Package rest is the single-shot HTTPS client for Discord's REST surface.
// Every call opens a fresh connection through the shared dialer.
//
// Result contract: transport failures map to ErrUnavailable (retryable),
// authoritative non-200 rejections to ErrRejected, HTTP 429 to
// RateLimitedError carrying the server's retry_after, and a 304 on the
// catalog endpoint to ErrNotModified.
package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sparklost/presenced/internal/dialer"
	"github.com/sparklost/presenced/internal/identity"
	"github.com/sparklost/presenced/internal/logger"
)

const (
	// DefaultHost is used when no custom_host is configured.
	DefaultHost = "discord.com"

	requestTimeout = 5 * time.Second
)

var (
	ErrUnavailable = errors.New("transport unavailable")
	ErrRejected    = errors.New("request rejected")
	ErrNotModified = errors.New("not modified")
)

// RateLimitedError carries the server-issued backoff from an HTTP 429.
type RateLimitedError struct {
	RetryAfter float64 // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %.2fs", e.RetryAfter)
}

// Client issues blocking requests against one Discord host.
type Client struct {
	host   string
	token  string
	isBot  bool
	header http.Header
	http   *http.Client

	mu            sync.Mutex
	activityToken string         // opaque, echoed across activity-session calls
	protos        map[int][]byte // memoized decoded settings blobs by proto number
}

// ParseHost extracts the bare host from a custom_host value, which may be
// a full URL or a plain hostname. Empty input yields DefaultHost.
func ParseHost(customHost string) string {
	if customHost == "" {
		return DefaultHost
	}
	if u, err := url.Parse(customHost); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(customHost, "/")
}

// New builds a client. For bot tokens (prefix "Bot ") the User-Agent and
// X-Super-Properties headers are omitted.
func New(token, customHost string, props *identity.Properties, d *dialer.Dialer) (*Client, error) {
	superProps, err := props.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode client properties: %w", err)
	}

	header := http.Header{}
	header.Set("Accept", "*/*")
	header.Set("Authorization", token)
	header.Set("Content-Type", "application/json")
	header.Set("Priority", "u=1")
	header.Set("Sec-Fetch-Dest", "empty")
	header.Set("Sec-Fetch-Mode", "cors")
	header.Set("Sec-Fetch-Site", "cross-site")

	isBot := strings.HasPrefix(token, "Bot")
	if !isBot {
		header.Set("User-Agent", props.UserAgent)
		header.Set("X-Super-Properties", superProps)
	}

	return &Client{
		host:   ParseHost(customHost),
		token:  token,
		isBot:  isBot,
		header: header,
		http:   d.HTTPClient(requestTimeout),
		protos: make(map[int][]byte),
	}, nil
}

// Host returns the host this client talks to.
func (c *Client) Host() string { return c.host }

// SetHTTPClient replaces the underlying HTTP client. Tests use it to point
// the client at a local TLS server.
func (c *Client) SetHTTPClient(hc *http.Client) { c.http = hc }

// Request issues one request with the standard header set plus extra, and
// returns the raw response. Callers own status interpretation and must
// close the body. Transport failures come back as ErrUnavailable.
func (c *Client) Request(ctx context.Context, method, path string, body []byte, extra http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "https://"+c.host+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header = c.header.Clone()
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// getJSON fetches path and decodes a 200 body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Error("request failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetGatewayURL fetches the websocket entry point.
func (c *Client) GetGatewayURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "/api/v9/gateway", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// GetSettingsBlob fetches and base64-decodes a settings proto. n=1 is the
// general user settings, n=2 the frecency store. Results are memoized.
func (c *Client) GetSettingsBlob(ctx context.Context, n int) ([]byte, error) {
	if n != 1 && n != 2 {
		return nil, fmt.Errorf("unknown settings proto: %d", n)
	}
	c.mu.Lock()
	cached, ok := c.protos[n]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var out struct {
		Settings string `json:"settings"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v9/users/@me/settings-proto/%d", n), &out); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.Settings)
	if err != nil {
		return nil, fmt.Errorf("decode settings blob: %w", err)
	}
	c.mu.Lock()
	c.protos[n] = raw
	c.mu.Unlock()
	return raw, nil
}

// RPCApp describes a rich-presence application.
type RPCApp struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetRPCApp fetches the application record for a rich-presence client.
func (c *Client) GetRPCApp(ctx context.Context, appID string) (*RPCApp, error) {
	var app RPCApp
	if err := c.getJSON(ctx, "/api/v9/oauth2/applications/"+appID+"/rpc", &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// RPCAsset is one named image asset an application has registered.
type RPCAsset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetRPCAppAssets fetches the application's registered assets.
func (c *Client) GetRPCAppAssets(ctx context.Context, appID string) ([]RPCAsset, error) {
	var assets []RPCAsset
	if err := c.getJSON(ctx, "/api/v9/oauth2/applications/"+appID+"/assets", &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// GetRPCAppExternal resolves an external image URL into an asset path the
// gateway accepts (used with the "mp:" prefix). Returns RateLimitedError
// on 429 so the caller can back off and retry.
func (c *Client) GetRPCAppExternal(ctx context.Context, appID, assetURL string) (string, error) {
	body, err := json.Marshal(map[string]any{"urls": []string{assetURL}})
	if err != nil {
		return "", err
	}
	resp, err := c.Request(ctx, http.MethodPost, "/api/v9/applications/"+appID+"/external-assets", body, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out []struct {
			ExternalAssetPath string `json:"external_asset_path"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		if len(out) == 0 {
			return "", fmt.Errorf("%w: empty external asset response", ErrRejected)
		}
		return out[0].ExternalAssetPath, nil
	case http.StatusTooManyRequests:
		var out struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		logger.Warn("external asset rate limited", "retry_after", out.RetryAfter)
		return "", &RateLimitedError{RetryAfter: out.RetryAfter}
	default:
		logger.Error("failed to fetch external assets", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: external-assets returned %d", ErrRejected, resp.StatusCode)
	}
}

// SendActivitySession reports a game session starting (closed=false) or
// ending (closed=true). The server issues an opaque token on the first
// call which every later call must echo.
func (c *Client) SendActivitySession(ctx context.Context, appID, exePath string, closed bool, sessionID string) error {
	c.mu.Lock()
	var token any
	if c.activityToken != "" {
		token = c.activityToken
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"token":            token,
		"application_id":   appID,
		"share_activity":   true,
		"exePath":          exePath,
		"voice_channel_id": nil,
		"session_id":       sessionID,
		"media_session_id": nil,
		"closed":           closed,
	})
	if err != nil {
		return err
	}
	// A rate-limited update gets exactly one more attempt after the
	// advertised backoff.
	for attempt := 0; ; attempt++ {
		resp, err := c.Request(ctx, http.MethodPost, "/api/v9/activities", body, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			var out struct {
				RetryAfter float64 `json:"retry_after"`
			}
			err := json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err != nil {
				return err
			}
			logger.Warn("activity session rate limited", "retry_after", out.RetryAfter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(out.RetryAfter * float64(time.Second))):
			}
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.Error("failed to update activity session", "status", resp.StatusCode)
			return fmt.Errorf("%w: activities returned %d", ErrRejected, resp.StatusCode)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		c.mu.Lock()
		c.activityToken = out.Token
		c.mu.Unlock()
		return nil
	}
}
