// Package gateway maintains the long-lived websocket session: identify,
// heartbeats, dispatch events, and resume-or-reidentify recovery after
// drops. Readers poll the session through read-clear accessors instead
// of subscribing to events.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sparklost/presenced/internal/dialer"
	"github.com/sparklost/presenced/internal/identity"
	"github.com/sparklost/presenced/internal/logger"
	"github.com/sparklost/presenced/internal/rest"
	"github.com/sparklost/presenced/internal/settings"
)

const (
	defaultCapabilities = 30717
	defaultIntents      = 50364033

	guardInterval      = 500 * time.Millisecond
	waitOnlineInterval = 5 * time.Second
	timeSpentInterval  = 30 * time.Minute
	writeTimeout       = 10 * time.Second
	maxMessageSize     = 16 << 20 // READY events grow with account size
)

var qosPayload = map[string]any{"ver": 26, "active": true, "reason": "foregrounded"}

// Config carries everything a session needs to authenticate.
type Config struct {
	Token        string
	Capabilities int // 0 picks the default for the account type
	Legacy       bool
	Properties   *identity.Properties
	REST         *rest.Client
	Dialer       *dialer.Dialer
}

// Session is one gateway connection and its recovery state. Safe for
// concurrent use.
type Session struct {
	api      *rest.Client
	dial     *dialer.Dialer
	token    string
	caps     int
	legacy   bool
	props    *identity.Properties
	initTime float64 // ms since epoch, for the time-spent event

	ctx    context.Context
	cancel context.CancelFunc

	gatewayURL string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu               sync.Mutex
	inf              *inflator
	state            State
	run              bool
	wait             bool
	ready            bool
	heartbeatMs      int
	heartbeatAck     bool
	hbActive         bool // cleared by the receiver to stop the beater
	hbAlive          bool
	receiverAlive    bool
	reconnecting     bool
	reconnectReq     bool
	resumable        bool
	seq              *int64
	resumeGatewayURL string
	sessionID        string
	myID             string
	status           *Status
	statusChanged    bool
	userSettings     *settings.Settings
	settingsChanged  bool
	user             *UserData
	userChanged      bool
	tokenUpdate      string
	err              error
}

// New builds a session; Connect starts it.
func New(cfg Config) *Session {
	return &Session{
		api:      cfg.REST,
		dial:     cfg.Dialer,
		token:    cfg.Token,
		caps:     cfg.Capabilities,
		legacy:   cfg.Legacy,
		props:    cfg.Properties,
		initTime: float64(time.Now().UnixMilli()),
	}
}

// Connect resolves the gateway URL, opens the socket, starts the
// receiver, heartbeater, and reconnect guard, and identifies.
func (s *Session) Connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	url, err := s.api.GetGatewayURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve gateway url: %w", err)
	}
	s.gatewayURL = url

	conn, err := s.dialWS(ctx, url)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	inf := newInflator()

	// The first message is HELLO with the heartbeat interval.
	_, msg, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		inf.close()
		return fmt.Errorf("read hello: %w", err)
	}
	var hello payload
	if err := inf.decode(msg, &hello); err != nil {
		conn.CloseNow()
		inf.close()
		return fmt.Errorf("decode hello: %w", err)
	}
	var hd helloData
	if err := json.Unmarshal(hello.Data, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		conn.CloseNow()
		inf.close()
		return errors.New("gateway hello missing heartbeat interval")
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.mu.Lock()
	s.inf = inf
	s.run = true
	s.state = StateConnected
	s.heartbeatMs = int(hd.HeartbeatInterval)
	s.heartbeatAck = true
	s.hbActive = true
	s.mu.Unlock()

	go s.guard()
	go s.receive(conn, inf)
	go s.heartbeat()
	return s.identify()
}

func (s *Session) dialWS(ctx context.Context, base string) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: s.dial.HTTPClient(0),
		HTTPHeader: http.Header{},
	}
	opts.HTTPHeader.Set("User-Agent", s.props.UserAgent)
	conn, _, err := websocket.Dial(ctx, base+"/?v=9&encoding=json&compress=zlib-stream", opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// guard watches for reconnect requests and runs one recovery at a time.
func (s *Session) guard() {
	for s.running() {
		if s.guardTick() {
			go s.reconnect()
		}
		if !s.sleep(guardInterval) {
			return
		}
	}
}

// guardTick consumes a pending reconnect request and reports whether a
// recovery should start. The flag is cleared even while a recovery is
// in flight: the reconnect path tears the old workers down, and their
// exit paths re-raise the flag, so an unconsumed request would trigger
// a second recovery against the repaired session.
func (s *Session) guardTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.reconnectReq
	s.reconnectReq = false
	if !req || s.reconnecting {
		return false
	}
	s.reconnecting = true
	return true
}

// receive reads messages until the socket dies or the session stops,
// then flags a reconnect.
func (s *Session) receive(conn *websocket.Conn, inf *inflator) {
	logger.Debug("receiver started")
	s.mu.Lock()
	s.receiverAlive = true
	s.resumable = false
	s.mu.Unlock()

	for s.running() && !s.waiting() {
		_, msg, err := conn.Read(s.ctx)
		if err != nil {
			s.handleReadError(err)
			break
		}
		var p payload
		if err := inf.decode(msg, &p); err != nil {
			logger.Warn("receiver decode error", "error", err)
			s.setResumable(true)
			break
		}
		if stop := s.handle(p); stop {
			break
		}
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.reconnectReq = true
	s.hbActive = false
	s.receiverAlive = false
	s.mu.Unlock()
	logger.Debug("receiver stopped")
}

// handleReadError classifies a socket failure: an auth close is fatal,
// a server-side 4000/4009 or plain network drop can be resumed, and a
// normal close just reconnects fresh.
func (s *Session) handleReadError(err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == -1:
		s.setResumable(true)
	case status == 4004:
		s.mu.Lock()
		s.run = false
		s.err = fmt.Errorf("gateway rejected authentication: %w", err)
		s.mu.Unlock()
		logger.Error("gateway rejected authentication", "error", err)
	case status == 4000 || status == 4009:
		logger.Warn("gateway closed", "status", int(status))
		s.setResumable(true)
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
	default:
		logger.Warn("gateway closed", "status", int(status), "error", err)
	}
}

// handle dispatches one decoded message. Returns true when the receiver
// should stop and hand over to the reconnect guard.
func (s *Session) handle(p payload) bool {
	switch p.Op {
	case opHeartbeatAck:
		s.mu.Lock()
		s.heartbeatAck = true
		s.mu.Unlock()

	case opHello:
		var hd helloData
		if err := json.Unmarshal(p.Data, &hd); err == nil && hd.HeartbeatInterval > 0 {
			s.mu.Lock()
			s.heartbeatMs = int(hd.HeartbeatInterval)
			s.mu.Unlock()
		}

	case opHeartbeat:
		s.send(map[string]any{"op": opHeartbeat, "d": s.sequence()})

	case opDispatch:
		s.handleDispatch(p)

	case opReconnect:
		logger.Info("host requested reconnect")
		s.setResumable(true)
		return true

	case opInvalidSession:
		var canResume bool
		json.Unmarshal(p.Data, &canResume)
		s.setResumable(canResume)
		logger.Info("session invalidated, reconnecting", "resumable", canResume)
		return true
	}
	return false
}

func (s *Session) handleDispatch(p payload) {
	if p.Seq != nil {
		s.mu.Lock()
		s.seq = p.Seq
		s.mu.Unlock()
	}

	switch p.Type {
	case "READY":
		var ev readyEvent
		if err := json.Unmarshal(p.Data, &ev); err != nil {
			logger.Warn("bad ready event", "error", err)
			return
		}
		s.handleReady(ev)

	case "SESSIONS_REPLACE":
		var sessions []sessionEntry
		if err := json.Unmarshal(p.Data, &sessions); err != nil || len(sessions) == 0 {
			return
		}
		st := &Status{}
		for _, a := range sessions[0].Activities {
			if a.Type != 0 && a.Type != 2 {
				continue
			}
			act := StatusActivity{
				Type:    a.Type,
				Name:    a.Name,
				State:   a.State,
				Details: a.Details,
			}
			if a.Assets != nil {
				act.SmallText = a.Assets.SmallText
				act.LargeText = a.Assets.LargeText
			}
			st.Activities = append(st.Activities, act)
		}
		s.mu.Lock()
		s.status = st
		s.statusChanged = true
		s.mu.Unlock()

	case "USER_SETTINGS_PROTO_UPDATE":
		var up settingsProtoUpdate
		if err := json.Unmarshal(p.Data, &up); err != nil {
			return
		}
		if up.Partial || up.Settings.Type != 1 {
			return
		}
		blob, err := base64.StdEncoding.DecodeString(up.Settings.Proto)
		if err != nil {
			logger.Warn("bad settings blob", "error", err)
			return
		}
		st, err := settings.Decode(blob)
		if err != nil {
			logger.Warn("bad settings blob", "error", err)
			return
		}
		s.mu.Lock()
		s.userSettings = st
		s.settingsChanged = true
		s.mu.Unlock()

	case "USER_UPDATE":
		var u userPayload
		if err := json.Unmarshal(p.Data, &u); err != nil {
			return
		}
		s.mu.Lock()
		s.user = userDataFrom(u)
		s.userChanged = true
		s.mu.Unlock()
	}
}

func (s *Session) handleReady(ev readyEvent) {
	user := userDataFrom(ev.User)

	var st *settings.Settings
	legacyHost := false
	if ev.UserSettingsProto != nil && !s.legacy {
		blob, err := base64.StdEncoding.DecodeString(*ev.UserSettingsProto)
		if err == nil {
			st, err = settings.Decode(blob)
		}
		if err != nil {
			logger.Warn("bad settings blob in ready", "error", err)
			st = &settings.Settings{}
		}
	} else {
		// Hosts without the settings blob send the old flat object.
		legacyHost = true
		st = legacySettings(ev.UserSettings)
	}

	s.mu.Lock()
	s.resumeGatewayURL = ev.ResumeGatewayURL
	s.sessionID = ev.SessionID
	s.status = nil
	s.user = user
	s.userChanged = true
	s.myID = ev.User.ID
	if ev.AuthToken != "" {
		s.tokenUpdate = ev.AuthToken
	}
	if legacyHost {
		s.legacy = true
	}
	s.userSettings = st
	s.settingsChanged = true
	s.ready = true
	s.mu.Unlock()
	logger.Debug("ready event processed", "session_id", ev.SessionID)
}

type legacyUserSettings struct {
	Status       string `json:"status"`
	CustomStatus *struct {
		Text      string `json:"text"`
		EmojiID   string `json:"emoji_id"`
		EmojiName string `json:"emoji_name"`
	} `json:"custom_status"`
}

func legacySettings(raw json.RawMessage) *settings.Settings {
	var old legacyUserSettings
	if len(raw) > 0 {
		json.Unmarshal(raw, &old)
	}
	status := old.Status
	if status == "" {
		status = "online"
	}
	out := &settings.Settings{Status: &settings.StatusSettings{Status: status}}
	if old.CustomStatus != nil {
		cs := &settings.CustomStatus{
			Text:      old.CustomStatus.Text,
			EmojiName: old.CustomStatus.EmojiName,
		}
		if id, err := strconv.ParseUint(old.CustomStatus.EmojiID, 10, 64); err == nil {
			cs.EmojiID = id
		}
		out.Status.CustomStatus = cs
	}
	return out
}

// heartbeat waits for READY, then beats on a jittered interval. A beat
// without an ack for the previous one flags the session resumable and
// exits, and a time-spent report goes out every half hour.
func (s *Session) heartbeat() {
	s.mu.Lock()
	s.hbAlive = true
	s.heartbeatAck = true
	interval := s.heartbeatMs
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.state = StateDisconnected
		s.reconnectReq = true
		s.hbAlive = false
		s.mu.Unlock()
		logger.Debug("heartbeater stopped")
	}()
	logger.Debug("heartbeater started", "interval_ms", interval)

	deadline := time.Now().Add(time.Duration(interval) * time.Millisecond)
	for !s.isReady() {
		if time.Now().After(deadline) {
			s.fail(errors.New("ready event could not be processed in time"))
			return
		}
		if !s.sleep(guardInterval) {
			return
		}
	}

	jittered := jitterInterval(interval)
	lastBeat := time.Now()
	// First report goes out shortly after startup, then every half hour.
	lastTimeSpent := time.Now().Add(10*time.Second - timeSpentInterval)

	for s.running() && !s.waiting() && s.heartbeatActive() {
		timeSpent := !s.isLegacy() && time.Since(lastTimeSpent) >= timeSpentInterval
		if timeSpent {
			s.send(map[string]any{"op": opTimeSpent, "d": map[string]any{
				"initialization_timestamp": s.initTime,
				"session_id":               s.props.HeartbeatSessionID,
				"client_launch_id":         s.props.LaunchID,
			}})
			lastTimeSpent = time.Now()
			logger.Debug("sent time spent event")
		}
		if time.Since(lastBeat) >= jittered || timeSpent {
			s.sendHeartbeat()
			lastBeat = time.Now()
			logger.Debug("sent heartbeat")
			s.mu.Lock()
			acked := s.heartbeatAck
			s.heartbeatAck = false
			s.mu.Unlock()
			if !acked {
				logger.Warn("heartbeat reply not received")
				s.setResumable(true)
				return
			}
			jittered = jitterInterval(interval)
			s.mu.Lock()
			interval = s.heartbeatMs
			s.mu.Unlock()
		}
		if !s.sleep(time.Second) {
			return
		}
	}
}

func (s *Session) sendHeartbeat() {
	if s.isLegacy() {
		s.send(map[string]any{"op": opHeartbeat, "d": s.sequence()})
		return
	}
	s.send(map[string]any{"op": opHeartbeat, "d": map[string]any{
		"seq": s.sequence(),
		"qos": qosPayload,
	}})
}

// jitterInterval spreads heartbeats across 0.2x to 0.8x of the server
// interval, leaving room for the ack before the next beat.
func jitterInterval(ms int) time.Duration {
	return time.Duration(float64(ms) * (0.8 - 0.6*rand.Float64()) * float64(time.Millisecond))
}

func (s *Session) identify() error {
	caps := s.caps
	d := map[string]any{
		"token":      s.token,
		"properties": s.props.ForGateway(),
		"presence": map[string]any{
			"activities": []any{},
			"status":     "online",
			"since":      nil,
			"afk":        false,
		},
	}
	if strings.HasPrefix(s.token, "Bot") {
		if caps == 0 {
			caps = defaultIntents
		}
		d["intents"] = caps
	} else {
		if caps == 0 {
			caps = defaultCapabilities
		}
		d["capabilities"] = caps
	}
	return s.send(map[string]any{"op": opIdentify, "d": d})
}

// resume reopens the socket on the resume URL and replays the session.
// Returns false when the server refuses and a fresh identify is needed.
func (s *Session) resume() bool {
	s.closeConn(websocket.StatusNormalClosure)
	s.sleep(time.Second) // let the receiver die before reopening

	s.mu.Lock()
	url := s.resumeGatewayURL
	sessionID := s.sessionID
	s.mu.Unlock()
	if url == "" {
		return false
	}
	inf := s.resetInflator()

	conn, err := s.dialWS(s.ctx, url)
	if err != nil {
		logger.Info("failed to resume connection", "error", err)
		return false
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	// HELLO comes first even on a resumed stream.
	_, msg, err := conn.Read(s.ctx)
	if err != nil {
		return false
	}
	var hello payload
	if err := inf.decode(msg, &hello); err != nil {
		return false
	}

	err = s.send(map[string]any{"op": opResume, "d": map[string]any{
		"token":      s.token,
		"session_id": sessionID,
		"seq":        s.sequence(),
	}})
	if err != nil {
		return false
	}

	_, msg, err = conn.Read(s.ctx)
	if err != nil {
		return false
	}
	var reply payload
	if err := inf.decode(msg, &reply); err != nil {
		logger.Info("failed to resume connection", "error", err)
		return false
	}
	if reply.Op == opInvalidSession {
		logger.Info("failed to resume connection")
		s.mu.Lock()
		s.resumeGatewayURL = ""
		s.mu.Unlock()
		return false
	}
	if stop := s.handle(reply); stop {
		return false
	}
	logger.Debug("connection resumed", "op", reply.Op)
	return true
}

// reidentify drops the old socket and starts a brand new session.
func (s *Session) reidentify() error {
	s.closeConn(websocket.StatusNormalClosure)
	s.sleep(time.Second)
	s.resetInflator()

	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()

	conn, err := s.dialWS(s.ctx, s.gatewayURL)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return s.identify()
}

// reconnect tries to resume, falls back to a fresh identify, and
// restarts whichever worker goroutines have exited.
func (s *Session) reconnect() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	wait := s.wait
	if !wait {
		s.state = StateReconnecting
	}
	resumable := s.resumable
	s.resumable = false
	s.mu.Unlock()
	if !wait {
		logger.Info("trying to reconnect")
	}

	resumed := false
	if resumable {
		resumed = s.resume()
	}
	if !resumed {
		logger.Debug("restarting connection")
		if err := s.reidentify(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !wait {
				logger.Warn("no internet connection", "error", err)
				go s.waitOnline()
			}
			return
		}
	}

	s.mu.Lock()
	s.wait = false
	startReceiver := !s.receiverAlive
	startHeartbeat := !s.hbAlive
	s.hbActive = true
	s.state = StateConnected
	conn := s.conn
	inf := s.inf
	s.mu.Unlock()

	if startReceiver {
		go s.receive(conn, inf)
	}
	if startHeartbeat {
		go s.heartbeat()
	}
	logger.Info("connection established")
}

// waitOnline keeps poking the reconnect guard until a connection lands.
func (s *Session) waitOnline() {
	s.mu.Lock()
	s.wait = true
	s.mu.Unlock()
	for s.running() && s.waiting() {
		s.requestReconnect()
		if !s.sleep(waitOnlineInterval) {
			return
		}
	}
}

func (s *Session) resetInflator() *inflator {
	inf := newInflator()
	s.mu.Lock()
	if s.inf != nil {
		s.inf.close()
	}
	s.inf = inf
	s.mu.Unlock()
	return inf
}

func (s *Session) send(v any) error {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.requestReconnect()
		return err
	}
	return nil
}

func (s *Session) closeConn(code websocket.StatusCode) {
	s.writeMu.Lock()
	conn := s.conn
	s.conn = nil
	s.writeMu.Unlock()
	if conn != nil {
		conn.Close(code, "")
	}
}

// sleep waits for d unless the session is shut down first.
func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.run = false
	s.state = StateDisconnected
	s.mu.Unlock()
	logger.Error("gateway session failed", "error", err)
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run && s.ctx.Err() == nil
}

func (s *Session) waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wait
}

func (s *Session) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) isLegacy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacy
}

func (s *Session) heartbeatActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hbActive
}

func (s *Session) setResumable(v bool) {
	s.mu.Lock()
	s.resumable = v
	s.mu.Unlock()
}

func (s *Session) requestReconnect() {
	s.mu.Lock()
	s.reconnectReq = true
	s.mu.Unlock()
}

// sequence returns the last dispatch sequence, or nil before the first
// dispatch, which is what heartbeats and resumes encode as null.
func (s *Session) sequence() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == nil {
		return nil
	}
	return *s.seq
}

// State reports whether the session is disconnected, connected, or mid
// reconnect.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the full READY event has been processed.
func (s *Session) Ready() bool { return s.isReady() }

// Running reports whether the session is still alive. False after a
// fatal close or Disconnect.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Err returns the fatal session error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SessionID returns the gateway session id from the last READY.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// MyID returns the account user ID learned from READY.
func (s *Session) MyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myID
}

// MyStatus returns the account-wide activity set, or nil if it has not
// changed since the last call.
func (s *Session) MyStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.statusChanged {
		return nil
	}
	s.statusChanged = false
	return s.status
}

// Settings returns the user settings, or nil if they have not changed
// since the last call.
func (s *Session) Settings() *settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settingsChanged {
		return nil
	}
	s.settingsChanged = false
	return s.userSettings
}

// MyUserData returns the account snapshot, or nil if it has not changed
// since the last call.
func (s *Session) MyUserData() *UserData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.userChanged {
		return nil
	}
	s.userChanged = false
	return s.user
}

// TokenUpdate returns a refreshed token handed out by the server, or ""
// if none arrived since the last call.
func (s *Session) TokenUpdate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tokenUpdate
	s.tokenUpdate = ""
	return t
}

// UpdatePresence publishes the account status, optional custom status
// line, and activity list. Legacy hosts reject the event, so it is
// silently skipped there.
func (s *Session) UpdatePresence(status, custom string, emoji map[string]any, activities []map[string]any, afk bool) error {
	s.mu.Lock()
	legacy := s.legacy
	s.mu.Unlock()
	if legacy {
		return nil
	}

	all := make([]map[string]any, 0, len(activities)+1)
	if custom != "" {
		a := map[string]any{
			"name":  "Custom Status",
			"type":  4,
			"state": custom,
		}
		if emoji != nil {
			a["emoji"] = emoji
		}
		all = append(all, a)
	}
	all = append(all, activities...)

	err := s.send(map[string]any{"op": opPresenceUpdate, "d": map[string]any{
		"status":     status,
		"afk":        afk,
		"since":      0,
		"activities": all,
	}})
	if err == nil {
		logger.Debug("updated presence", "status", status, "activities", len(all))
	}
	return err
}

// SetOffline drops and re-establishes the session, which is the only
// way to clear a presence completely.
func (s *Session) SetOffline() {
	s.requestReconnect()
}

// Disconnect closes the socket with the given status and stops all
// session goroutines.
func (s *Session) Disconnect(code websocket.StatusCode) {
	s.mu.Lock()
	s.run = false
	inf := s.inf
	s.inf = nil
	s.mu.Unlock()

	s.closeConn(code)
	if inf != nil {
		inf.close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	logger.Info("gateway disconnected", "status", int(code))
}
