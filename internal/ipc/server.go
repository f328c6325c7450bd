// Package ipc serves the local rich-presence endpoint that games and
// their SDKs connect to: a unix socket on POSIX, a named pipe on
// Windows, speaking length-prefixed JSON frames. Incoming activities
// are normalized and collected into one table the presence loop drains.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sparklost/presenced/internal/gateway"
	"github.com/sparklost/presenced/internal/logger"
	"github.com/sparklost/presenced/internal/rest"
)

const (
	// Minimum gap between publishes from one client, and the longer gap
	// when the payload is identical to the previous one.
	publishGap     = 5 * time.Second
	publishGapSame = 60 * time.Second

	// Pacing between external-asset resolutions, which 429 easily.
	externalAssetGap     = 1500 * time.Millisecond
	externalAssetRetries = 5
)

// ErrBotAccount is returned by New for bot accounts, which cannot host
// a rich-presence endpoint.
var ErrBotAccount = errors.New("rich presence server is not available for bot accounts")

// Text and pre-resolved asset keys passed through to the gateway as-is.
var assetWhitelist = map[string]bool{
	"large_text":  true,
	"small_text":  true,
	"large_image": true,
	"small_image": true,
}

// Server accepts local rich-presence clients and aggregates their
// activities.
type Server struct {
	api      *rest.Client
	external bool
	limiter  *rate.Limiter

	mu         sync.Mutex
	dispatch   map[string]any
	activities []map[string]any
	changed    bool
}

// New builds the server for the signed-in user. The user identity is
// baked into the READY reply every client receives.
func New(api *rest.Client, user *gateway.UserData, externalAssets bool) (*Server, error) {
	if user.Bot || user.Extra == nil {
		return nil, ErrBotAccount
	}
	return &Server{
		api:      api,
		external: externalAssets,
		dispatch: readyEnvelope(user),
		limiter:  rate.NewLimiter(rate.Every(externalAssetGap), 1),
	}, nil
}

// SetUser rebuilds the READY envelope, used when the account's profile
// changes mid-session. Existing connections are unaffected.
func (s *Server) SetUser(user *gateway.UserData) {
	if user.Bot || user.Extra == nil {
		return
	}
	env := readyEnvelope(user)
	s.mu.Lock()
	s.dispatch = env
	s.mu.Unlock()
}

func readyEnvelope(user *gateway.UserData) map[string]any {
	return map[string]any{
		"cmd": "DISPATCH",
		"data": map[string]any{
			"v": 1,
			"config": map[string]any{
				"cdn_host":     "cdn.discordapp.com",
				"api_endpoint": "//discord.com/api",
				"environment":  "production",
			},
			"user": map[string]any{
				"id":                     user.ID,
				"username":               user.Username,
				"discriminator":          user.Extra.Discriminator,
				"global_name":            user.GlobalName,
				"avatar":                 user.Extra.Avatar,
				"avatar_decoration_data": user.Extra.AvatarDecorationData,
				"bot":                    false,
				"flags":                  32,
				"premium_type":           user.Extra.PremiumType,
			},
		},
		"evt":   "READY",
		"nonce": nil,
	}
}

// ListenAndServe binds the endpoint and serves clients until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := listen()
	if err != nil {
		return err
	}
	logger.Info("rich presence server started", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveClient(ctx, conn)
	}
}

// command is the envelope every client frame carries.
type command struct {
	Cmd  string `json:"cmd"`
	Args struct {
		Activity map[string]any `json:"activity"`
	} `json:"args"`
	Evt   any `json:"evt"`
	Nonce any `json:"nonce"`
}

type handshake struct {
	V        int    `json:"v"`
	ClientID string `json:"client_id"`
}

// clientState is the per-connection context after a handshake.
type clientState struct {
	appID    string
	appName  string
	assets   []rest.RPCAsset
	prev     map[string]any
	lastSent time.Time
}

func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_, data, err := readFrame(conn)
	if err != nil {
		return
	}
	// First-party clients probe the socket with a bare number string;
	// drop those without a reply.
	if len(data) > 0 && data[0] == '"' {
		return
	}
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil || hs.ClientID == "" {
		return
	}

	app, err := s.api.GetRPCApp(ctx, hs.ClientID)
	if err != nil {
		logger.Warn("failed retrieving rich presence app data", "app_id", hs.ClientID, "error", err)
		return
	}
	assets, err := s.api.GetRPCAppAssets(ctx, hs.ClientID)
	if err != nil {
		logger.Warn("failed retrieving rich presence app assets", "app_id", hs.ClientID, "error", err)
		return
	}
	logger.Info("rich presence client connected", "app", app.Name)

	st := &clientState{
		appID:   hs.ClientID,
		appName: app.Name,
		assets:  assets,
		// Let the first activity through immediately.
		lastSent: time.Now().Add(-(publishGap + time.Second)),
	}
	defer func() {
		s.remove(st.appID)
		logger.Info("rich presence client disconnected", "app", app.Name)
	}()

	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()
	if err := writeFrame(conn, opPayload, dispatch); err != nil {
		return
	}

	for {
		op, data, err := readFrame(conn)
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Warn("bad rich presence frame", "error", err)
			return
		}

		if cmd.Cmd != "SET_ACTIVITY" {
			// Unsupported commands get a minimal echo so naive clients
			// keep running with presence only.
			writeFrame(conn, op, map[string]any{
				"cmd":   cmd.Cmd,
				"data":  map[string]any{"evt": cmd.Evt},
				"evt":   nil,
				"nonce": cmd.Nonce,
			})
			continue
		}

		activity := cmd.Args.Activity
		gap := publishGap
		if reflect.DeepEqual(activity, st.prev) {
			gap = publishGapSame
		}
		if time.Since(st.lastSent) < gap {
			// Echo without publishing; the remote presence briefly lags
			// the client's view.
			writeFrame(conn, op, map[string]any{
				"cmd":   cmd.Cmd,
				"data":  activity,
				"evt":   nil,
				"nonce": cmd.Nonce,
			})
			st.prev = activity
			st.lastSent = time.Now()
			continue
		}
		if len(activity) == 0 {
			continue
		}

		normalized := s.normalize(ctx, st, activity)
		s.publish(st.appID, normalized)
		st.prev = activity
		st.lastSent = time.Now()

		writeFrame(conn, op, map[string]any{
			"cmd":   cmd.Cmd,
			"data":  normalized,
			"evt":   nil,
			"nonce": cmd.Nonce,
		})
	}
}

// normalize turns a client activity into the shape the gateway accepts:
// identity fields injected, assets resolved, timestamps in ms, buttons
// split from their URLs.
func (s *Server) normalize(ctx context.Context, st *clientState, activity map[string]any) map[string]any {
	out := make(map[string]any, len(activity)+4)
	for k, v := range activity {
		out[k] = v
	}

	activityType := 0
	if t, ok := out["type"].(float64); ok {
		activityType = int(t)
	}
	out["application_id"] = st.appID
	out["name"] = st.appName

	assets := map[string]any{}
	if raw, ok := out["assets"].(map[string]any); ok {
		for key, val := range raw {
			sv, _ := val.(string)
			switch {
			case strings.HasPrefix(sv, "https://"):
				if !s.external {
					continue
				}
				if path := s.resolveExternal(ctx, st.appID, sv); path != "" {
					assets[key] = "mp:" + path
				}
			case strings.Contains(key, "image"):
				for _, a := range st.assets {
					if a.Name == sv {
						assets[key] = a.ID
						break
					}
				}
			case assetWhitelist[key]:
				assets[key] = val
			}
		}
	}
	out["assets"] = assets

	if ts, ok := out["timestamps"].(map[string]any); ok {
		scaled := make(map[string]any, len(ts))
		for k, v := range ts {
			if n, ok := v.(float64); ok && (k == "start" || k == "end") {
				scaled[k] = n * 1000
			} else {
				scaled[k] = v
			}
		}
		out["timestamps"] = scaled
	}

	if btns, ok := out["buttons"].([]any); ok {
		labels := make([]any, 0, len(btns))
		urls := make([]any, 0, len(btns))
		for _, b := range btns {
			if bm, ok := b.(map[string]any); ok {
				labels = append(labels, bm["label"])
				urls = append(urls, bm["url"])
			}
		}
		out["buttons"] = labels
		out["metadata"] = map[string]any{"button_urls": urls}
	}

	if activityType == 2 {
		delete(out, "flags")
	}
	out["flags"] = 1
	out["type"] = activityType
	delete(out, "instance")
	return out
}

// resolveExternal exchanges an https image URL for an asset path,
// backing off on 429 and pacing consecutive calls.
func (s *Server) resolveExternal(ctx context.Context, appID, url string) string {
	for attempt := 0; attempt < externalAssetRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return ""
		}
		path, err := s.api.GetRPCAppExternal(ctx, appID, url)
		var limited *rest.RateLimitedError
		if errors.As(err, &limited) {
			time.Sleep(time.Duration((limited.RetryAfter + 0.2) * float64(time.Second)))
			continue
		}
		if err != nil {
			logger.Warn("external asset lookup failed", "url", url, "error", err)
			return ""
		}
		return path
	}
	return ""
}

// publish updates the activities table, flagging a change only when the
// entry actually differs.
func (s *Server) publish(appID string, activity map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if a["application_id"] == appID {
			if !reflect.DeepEqual(a, activity) {
				s.activities[i] = activity
				s.changed = true
			}
			return
		}
	}
	s.activities = append(s.activities, activity)
	s.changed = true
}

func (s *Server) remove(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.activities {
		if a["application_id"] == appID {
			s.activities = append(s.activities[:i], s.activities[i+1:]...)
			s.changed = true
			return
		}
	}
}

// Activities returns the current table when it has changed since the
// last call (or force is set), and nil otherwise. The returned slice is
// a snapshot.
func (s *Server) Activities(force bool) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.changed && !force {
		return nil
	}
	s.changed = false
	out := make([]map[string]any, len(s.activities))
	copy(out, s.activities)
	return out
}
