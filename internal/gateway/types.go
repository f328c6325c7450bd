package gateway

import "encoding/json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opPresenceUpdate = 3
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
	opTimeSpent      = 41
)

// State reports what the session is currently doing.
type State int

const (
	StateDisconnected State = 0
	StateConnected    State = 1
	StateReconnecting State = 2
)

// payload is the envelope every gateway message arrives in.
type payload struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s"`
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// userPayload is the user object as it appears in READY and USER_UPDATE.
type userPayload struct {
	ID                   string          `json:"id"`
	Username             string          `json:"username"`
	GlobalName           string          `json:"global_name"`
	Bio                  string          `json:"bio"`
	Pronouns             string          `json:"pronouns"`
	Bot                  bool            `json:"bot"`
	Avatar               string          `json:"avatar"`
	AvatarDecorationData json.RawMessage `json:"avatar_decoration_data"`
	Discriminator        string          `json:"discriminator"`
	Flags                int64           `json:"flags"`
	PremiumType          int             `json:"premium_type"`
	PrimaryGuild         *struct {
		Tag string `json:"tag"`
	} `json:"primary_guild"`
}

type readyEvent struct {
	ResumeGatewayURL  string          `json:"resume_gateway_url"`
	SessionID         string          `json:"session_id"`
	User              userPayload     `json:"user"`
	AuthToken         string          `json:"auth_token"`
	UserSettingsProto *string         `json:"user_settings_proto"`
	UserSettings      json.RawMessage `json:"user_settings"`
}

type settingsProtoUpdate struct {
	Partial  bool `json:"partial"`
	Settings struct {
		Type  int    `json:"type"`
		Proto string `json:"proto"`
	} `json:"settings"`
}

type sessionEntry struct {
	Activities []struct {
		Type    int    `json:"type"`
		Name    string `json:"name"`
		State   string `json:"state"`
		Details string `json:"details"`
		Assets  *struct {
			SmallText string `json:"small_text"`
			LargeText string `json:"large_text"`
		} `json:"assets"`
	} `json:"activities"`
}

// UserData is the account snapshot kept from READY and USER_UPDATE.
// Extra is nil for bot accounts.
type UserData struct {
	ID         string
	Username   string
	GlobalName string
	Bio        string
	Pronouns   string
	Tag        string
	Bot        bool
	Extra      *UserExtra
}

// UserExtra carries the profile fields only user accounts have.
type UserExtra struct {
	Avatar               string
	AvatarDecorationData json.RawMessage
	Discriminator        string
	Flags                int64
	PremiumType          int
}

func userDataFrom(u userPayload) *UserData {
	out := &UserData{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bio:        u.Bio,
		Pronouns:   u.Pronouns,
		Bot:        u.Bot,
	}
	if u.PrimaryGuild != nil {
		out.Tag = u.PrimaryGuild.Tag
	}
	if !u.Bot {
		out.Extra = &UserExtra{
			Avatar:               u.Avatar,
			AvatarDecorationData: u.AvatarDecorationData,
			Discriminator:        u.Discriminator,
			Flags:                u.Flags,
			PremiumType:          u.PremiumType,
		}
	}
	return out
}

// StatusActivity is one activity from a SESSIONS_REPLACE event, kept
// only for games and listening sessions.
type StatusActivity struct {
	Type      int
	Name      string
	State     string
	Details   string
	SmallText string
	LargeText string
}

// Status is the account-wide activity set other clients advertise.
type Status struct {
	Activities []StatusActivity
}
