// Package daemon is the orchestrator: it wires the REST client, the
// gateway session, the rich-presence IPC server, and game detection
// together and runs the publish loop that pushes merged activities and
// status changes to the gateway.
package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fsnotify/fsnotify"

	"github.com/sparklost/presenced/internal/config"
	"github.com/sparklost/presenced/internal/detect"
	"github.com/sparklost/presenced/internal/dialer"
	"github.com/sparklost/presenced/internal/gateway"
	"github.com/sparklost/presenced/internal/identity"
	"github.com/sparklost/presenced/internal/ipc"
	"github.com/sparklost/presenced/internal/logger"
	"github.com/sparklost/presenced/internal/rest"
	"github.com/sparklost/presenced/internal/settings"
)

const (
	tickInterval      = 100 * time.Millisecond
	readyPollInterval = 200 * time.Millisecond
)

// Daemon composes the long-lived components and owns the publish loop.
type Daemon struct {
	cfgPath string
	dir     string

	cfgMu sync.Mutex
	cfg   *config.Config

	api     *rest.Client
	session *gateway.Session
	rpc     *ipc.Server
	games   *detect.Service

	// Last projected presence, re-sent whole on every publish.
	status     string
	custom     string
	emoji      map[string]any
	activities []map[string]any
}

// New builds a daemon for the given configuration. dir is the per-user
// data directory.
func New(cfg *config.Config, dir string) *Daemon {
	return &Daemon{
		cfgPath: config.FilePath(dir),
		dir:     dir,
		cfg:     cfg,
		status:  "online",
	}
}

// Run connects everything and loops until ctx is cancelled or the
// gateway surfaces a fatal error.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()

	props, err := identity.FromConfig(cfg.ClientProperties, cfg.CustomUserAgent)
	if err != nil {
		return err
	}
	dial, err := dialer.New(cfg.Proxy)
	if err != nil {
		return err
	}
	d.api, err = rest.New(cfg.Token, cfg.CustomHost, props, dial)
	if err != nil {
		return err
	}

	caps := cfg.Capabilities
	if strings.HasPrefix(cfg.Token, "Bot ") {
		caps = cfg.Intents
	}
	d.session = gateway.New(gateway.Config{
		Token:        cfg.Token,
		Capabilities: caps,
		Legacy:       legacyHost(cfg),
		Properties:   props,
		REST:         d.api,
		Dialer:       dial,
	})
	if err := d.session.Connect(ctx); err != nil {
		return err
	}

	if err := d.waitReady(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		d.session.Disconnect(websocket.StatusNormalClosure)
		return nil
	}

	// The gateway settings proto may omit the status subtree; fetch the
	// full blob over REST in that case.
	st := d.session.Settings()
	if st == nil || st.Status == nil {
		if blob, err := d.api.GetSettingsBlob(ctx, 1); err == nil {
			if parsed, err := settings.Decode(blob); err == nil {
				st = parsed
			}
		} else {
			logger.Warn("could not fetch user settings", "error", err)
		}
	}
	if st != nil {
		d.applySettings(st)
	}
	d.publish(false)

	if user := d.session.MyUserData(); user != nil {
		srv, err := ipc.New(d.api, user, cfg.RPCExternalAssets)
		if err != nil {
			logger.Warn("rich presence server disabled", "error", err)
		} else {
			d.rpc = srv
			go func() {
				if err := srv.ListenAndServe(ctx); err != nil {
					logger.Error("rich presence server stopped", "error", err)
				}
			}()
		}
	}

	if cfg.GameDetection {
		d.games = detect.New(d.api, d.session, cfg.GamesBlacklist, d.dir, cfg.GameListDownloadDelay)
		go d.games.Run(ctx)
	}

	go d.watchConfig(ctx)

	return d.loop(ctx)
}

// waitReady blocks until the first READY, a fatal error, or cancel.
func (d *Daemon) waitReady(ctx context.Context) error {
	for !d.session.Ready() {
		if err := d.session.Err(); err != nil {
			return err
		}
		if !d.session.Running() {
			return errors.New("gateway stopped before ready")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(readyPollInterval):
		}
	}
	return nil
}

func (d *Daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.session.Disconnect(websocket.StatusNormalClosure)
			return nil
		case <-ticker.C:
		}

		if err := d.session.Err(); err != nil {
			return err
		}
		if !d.session.Running() {
			return nil
		}
		if tok := d.session.TokenUpdate(); tok != "" {
			d.persistToken(tok)
		}
		if d.session.State() != gateway.StateConnected {
			continue
		}

		if status := d.session.MyStatus(); status != nil {
			logger.Debug("account activity set changed", "activities", len(status.Activities))
		}

		if st := d.session.Settings(); st != nil {
			d.applySettings(st)
			d.publish(false)
		}

		if user := d.session.MyUserData(); user != nil && d.rpc != nil {
			d.rpc.SetUser(user)
		}

		// Merge order: rich-presence clients win over detection by
		// application id. Whichever side changed pulls a forced
		// snapshot from the other.
		var rpcActs []map[string]any
		if d.rpc != nil {
			rpcActs = d.rpc.Activities(false)
		}
		switch {
		case rpcActs != nil:
			var det []map[string]any
			if d.games != nil {
				det = d.games.Activities(true)
			}
			d.activities = mergeActivities(rpcActs, det)
			d.publish(true)
		case d.games != nil:
			det := d.games.Activities(false)
			if det == nil {
				break
			}
			var rpc []map[string]any
			if d.rpc != nil {
				rpc = d.rpc.Activities(true)
			}
			d.activities = mergeActivities(rpc, det)
			d.publish(true)
		}
	}
}

// applySettings projects the decoded settings onto the presence fields.
// An emoji with neither id nor name is dropped.
func (d *Daemon) applySettings(st *settings.Settings) {
	d.status = "online"
	d.custom = ""
	d.emoji = nil
	if st.Status == nil {
		return
	}
	if st.Status.Status != "" {
		d.status = st.Status.Status
	}
	cs := st.Status.CustomStatus
	if cs == nil {
		return
	}
	d.custom = cs.Text
	if cs.HasEmoji() {
		emoji := map[string]any{"name": nil, "id": nil, "animated": cs.Animated}
		if cs.EmojiName != "" {
			emoji["name"] = cs.EmojiName
		}
		if cs.EmojiID != 0 {
			emoji["id"] = strconv.FormatUint(cs.EmojiID, 10)
		}
		d.emoji = emoji
	}
}

// publish sends the current presence. afk is set on activity-driven
// publishes so the server keeps routing notifications to other clients.
func (d *Daemon) publish(afk bool) {
	if err := d.session.UpdatePresence(d.status, d.custom, d.emoji, d.activities, afk); err != nil {
		logger.Warn("presence update failed", "error", err)
	}
}

func (d *Daemon) persistToken(token string) {
	d.cfgMu.Lock()
	d.cfg.Token = token
	cfg := *d.cfg
	d.cfgMu.Unlock()
	if err := config.Save(&cfg, d.cfgPath); err != nil {
		logger.Error("failed to persist refreshed token", "error", err)
		return
	}
	logger.Info("gateway issued a refreshed token, saved")
}

func (d *Daemon) config() *config.Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

// watchConfig re-reads config.json on change and hot-applies the games
// blacklist. The parent directory is watched because editors replace
// the file rather than write it in place.
func (d *Daemon) watchConfig(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(d.cfgPath)); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != d.cfgPath {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			d.reloadConfig(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

func (d *Daemon) reloadConfig(ctx context.Context) {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		logger.Warn("config reload failed", "error", err)
		return
	}
	d.cfgMu.Lock()
	changed := !equalStrings(cfg.GamesBlacklist, d.cfg.GamesBlacklist)
	if changed {
		d.cfg.GamesBlacklist = cfg.GamesBlacklist
	}
	d.cfgMu.Unlock()
	if changed && d.games != nil {
		logger.Info("games blacklist updated", "entries", len(cfg.GamesBlacklist))
		d.games.SetBlacklist(ctx, cfg.GamesBlacklist)
	}
}

// legacyHost reports whether the configured host speaks the legacy
// (plain JSON, flat settings) dialect. Explicit config wins; otherwise
// fall back to a hostname sniff for spacebar forks.
func legacyHost(cfg *config.Config) bool {
	if cfg.LegacyHost != nil {
		return *cfg.LegacyHost
	}
	if cfg.CustomHost == "" {
		return false
	}
	return strings.Contains(rest.ParseHost(cfg.CustomHost), "spacebar")
}

// mergeActivities concatenates primary with the secondary entries whose
// application_id is not already present.
func mergeActivities(primary, secondary []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(primary)+len(secondary))
	out = append(out, primary...)
	for _, a := range secondary {
		id, _ := a["application_id"].(string)
		dup := false
		for _, p := range primary {
			if pid, _ := p["application_id"].(string); pid != "" && pid == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
