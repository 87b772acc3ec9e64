// Copyright 2024-2026 Aiku AI

package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

// LinkRequest carries the client-supplied credentials for a platform link
// operation. Which fields are required depends on the platform.
type LinkRequest struct {
	UserID      string            `json:"userId"`
	AccessToken string            `json:"accessToken"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	Code        string            `json:"code,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
}

// Outcome is the classified result of a bridge bot reply. Err is nil for a
// success pattern; Values carries parsed fields such as the pairing code or
// the confirmed remote username.
type Outcome struct {
	Values map[string]string
	Err    error
}

// ResponseRule pairs a reply pattern with its outcome. Rules are checked in
// declaration order against each incoming message body; the first match in
// the first matching message wins.
type ResponseRule struct {
	Pattern *regexp.Regexp
	Resolve func(match []string) Outcome
}

// Platform declares everything the orchestrator needs to drive one bridge
// bot: the bot identity, the command scripts, and the reply classifiers.
// New platforms are added here, not in the orchestrator.
type Platform struct {
	Name string

	// BotLocalpart is the well-known localpart of the platform's bridge bot
	// on the homeserver ("whatsappbot" -> @whatsappbot:domain).
	BotLocalpart string

	// GhostPrefix is the localpart prefix of puppet users the bridge creates
	// for remote contacts ("whatsapp_" -> @whatsapp_4915512345:domain).
	// Messages from such senders trigger push notifications.
	GhostPrefix string

	// RoomMarker is the display-name tag the bridge appends to bridged chat
	// rooms. Unlink leaves every joined room carrying it, except the control
	// room itself.
	RoomMarker string

	// TwoPhase marks platforms whose login needs a user-supplied code in a
	// second HTTP call: init sends the identifying credential and returns
	// without waiting, verify runs the wait/classify step.
	TwoPhase bool

	// InitScript builds the ordered message sequence for the init call.
	InitScript func(req *LinkRequest) ([]string, error)

	// VerifyScript builds the message sequence for the verify call.
	// Only set for two-phase platforms.
	VerifyScript func(req *LinkRequest) ([]string, error)

	// LoginRules classify bot replies during the waiting leg of the login
	// conversation (init for single-phase platforms, verify for two-phase).
	LoginRules []ResponseRule

	// LogoutDescriptor matches the bot's connection listing and captures the
	// internal connection identifier in group 1.
	LogoutDescriptor *regexp.Regexp

	// LogoutCommandFmt is the machine-directed logout command, with a %s
	// placeholder for the captured connection identifier.
	LogoutCommandFmt string

	// LogoutConfirm optionally matches the bot's final logout confirmation.
	LogoutConfirm *regexp.Regexp
}

// BotUserID returns the platform bot's full Matrix user ID on the given
// homeserver domain.
func (p *Platform) BotUserID(domain string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", p.BotLocalpart, domain))
}

// LogoutCommand builds the machine-directed logout command for a captured
// connection identifier.
func (p *Platform) LogoutCommand(connID string) string {
	return fmt.Sprintf(p.LogoutCommandFmt, connID)
}

// MatchesRoomName reports whether a room display name carries this
// platform's bridged-room marker.
func (p *Platform) MatchesRoomName(name string) bool {
	return strings.Contains(strings.ToLower(name), p.RoomMarker)
}

// Shared login/logout markers written by every mautrix-style bridge bot.
// The linked-accounts scan keys off these.
var (
	loginMarkerPattern  = regexp.MustCompile(`(?i)successfully logged in as (.+)`)
	logoutMarkerPattern = regexp.MustCompile(`(?i)logged out`)

	// controlBotPattern recognizes any bridge bot user ID by naming
	// convention, capturing the platform name.
	controlBotPattern = regexp.MustCompile(`^@([a-z]+)bot:`)
)

var successRule = ResponseRule{
	Pattern: loginMarkerPattern,
	Resolve: func(match []string) Outcome {
		return Outcome{Values: map[string]string{"username": strings.TrimSpace(match[1])}}
	},
}

var platforms = []*Platform{
	{
		Name:         "whatsapp",
		BotLocalpart: "whatsappbot",
		GhostPrefix:  "whatsapp_",
		RoomMarker:   "(whatsapp)",
		InitScript: func(req *LinkRequest) ([]string, error) {
			if req.PhoneNumber == "" {
				return nil, badRequest("phoneNumber is required")
			}
			return []string{"login phone", req.PhoneNumber}, nil
		},
		LoginRules: []ResponseRule{
			{
				Pattern: regexp.MustCompile(`([A-Z0-9]{4}-[A-Z0-9]{4})`),
				Resolve: func(match []string) Outcome {
					return Outcome{Values: map[string]string{"code": match[1]}}
				},
			},
			{
				Pattern: regexp.MustCompile(`(?i)invalid value|must start with \+`),
				Resolve: func([]string) Outcome {
					return Outcome{Err: remoteFailure(http.StatusUnprocessableEntity,
						"phone number must start with + and a country code")}
				},
			},
		},
		LogoutDescriptor: regexp.MustCompile("\\*\\s+`(\\d{9,})`\\s+\\(\\+\\d+\\)\\s+-\\s+`CONNECTED`"),
		LogoutCommandFmt: "!wa logout %s",
		LogoutConfirm:    logoutMarkerPattern,
	},
	{
		Name:         "telegram",
		BotLocalpart: "telegrambot",
		GhostPrefix:  "telegram_",
		RoomMarker:   "(telegram)",
		TwoPhase:     true,
		InitScript: func(req *LinkRequest) ([]string, error) {
			if req.PhoneNumber == "" {
				return nil, badRequest("phoneNumber is required")
			}
			return []string{"login", req.PhoneNumber}, nil
		},
		VerifyScript: func(req *LinkRequest) ([]string, error) {
			if req.Code == "" {
				return nil, badRequest("code is required")
			}
			return []string{req.Code}, nil
		},
		LoginRules: []ResponseRule{
			successRule,
			{
				Pattern: regexp.MustCompile(`(?i)invalid code|code expired|incorrect code`),
				Resolve: func([]string) Outcome {
					return Outcome{Err: remoteFailure(http.StatusUnprocessableEntity,
						"login code was rejected")}
				},
			},
		},
		LogoutDescriptor: regexp.MustCompile("\\*\\s+`(\\d{6,})`\\s+\\(.+\\)\\s+-\\s+`CONNECTED`"),
		LogoutCommandFmt: "!tg logout %s",
		LogoutConfirm:    logoutMarkerPattern,
	},
	{
		Name:         "bluesky",
		BotLocalpart: "blueskybot",
		GhostPrefix:  "bluesky_",
		RoomMarker:   "(bluesky)",
		InitScript: func(req *LinkRequest) ([]string, error) {
			if req.Username == "" || req.Password == "" {
				return nil, badRequest("username and password are required")
			}
			return []string{"login", "bsky.social", req.Username, req.Password}, nil
		},
		LoginRules: []ResponseRule{
			successRule,
			{
				Pattern: regexp.MustCompile(`(?i)failed to create session`),
				Resolve: func([]string) Outcome {
					return Outcome{Err: remoteFailure(http.StatusUnauthorized,
						"Bluesky rejected the credentials")}
				},
			},
		},
		LogoutDescriptor: regexp.MustCompile("\\*\\s+`(did:[\\w:]+)`\\s+\\(.+\\)\\s+-\\s+`CONNECTED`"),
		LogoutCommandFmt: "!bsky logout %s",
		LogoutConfirm:    logoutMarkerPattern,
	},
	{
		Name:             "twitter",
		BotLocalpart:     "twitterbot",
		GhostPrefix:      "twitter_",
		RoomMarker:       "(twitter)",
		InitScript:       cookieInitScript("login cookie"),
		LoginRules:       cookieLoginRules(),
		LogoutDescriptor: regexp.MustCompile("\\*\\s+`([^`]+)`\\s+\\(.+\\)\\s+-\\s+`CONNECTED`"),
		LogoutCommandFmt: "!tw logout %s",
		LogoutConfirm:    logoutMarkerPattern,
	},
	{
		// The Instagram bridge runs under the meta bot identity.
		Name:             "instagram",
		BotLocalpart:     "metabot",
		GhostPrefix:      "instagram_",
		RoomMarker:       "(instagram)",
		InitScript:       cookieInitScript("login cookie"),
		LoginRules:       cookieLoginRules(),
		LogoutDescriptor: regexp.MustCompile("\\*\\s+`([^`]+)`\\s+\\(.+\\)\\s+-\\s+`CONNECTED`"),
		LogoutCommandFmt: "!ig logout %s",
		LogoutConfirm:    logoutMarkerPattern,
	},
}

// cookieInitScript builds the script for cookie-auth platforms: the login
// command followed by the serialized cookie jar as a single message.
func cookieInitScript(command string) func(*LinkRequest) ([]string, error) {
	return func(req *LinkRequest) ([]string, error) {
		if len(req.Cookies) == 0 {
			return nil, badRequest("cookies are required")
		}
		blob, err := json.Marshal(req.Cookies)
		if err != nil {
			return nil, fmt.Errorf("serializing cookies: %w", err)
		}
		return []string{command, string(blob)}, nil
	}
}

func cookieLoginRules() []ResponseRule {
	return []ResponseRule{
		successRule,
		{
			Pattern: regexp.MustCompile(`(?i)failed to log in|invalid cookies|cookie.+expired`),
			Resolve: func([]string) Outcome {
				return Outcome{Err: remoteFailure(http.StatusUnauthorized,
					"the session cookies were rejected")}
			},
		},
	}
}

// Platforms returns all supported platform declarations in a stable order.
func Platforms() []*Platform {
	return platforms
}

// LookupPlatform finds a platform by name. The second return is false for
// unknown names.
func LookupPlatform(name string) (*Platform, bool) {
	for _, p := range platforms {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// BridgeSender reports whether a Matrix user ID belongs to a bridge bot or
// one of its remote-contact ghosts, and which platform it is. Used by the
// fanout layer to decide whether a message originated outside the chat
// backend and so deserves a push notification.
func BridgeSender(sender id.UserID) (*Platform, bool) {
	localpart := strings.TrimPrefix(sender.String(), "@")
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	for _, p := range platforms {
		if localpart == p.BotLocalpart || strings.HasPrefix(localpart, p.GhostPrefix) {
			return p, true
		}
	}
	return nil, false
}

// IsControlBot reports whether a user ID follows the bridge bot naming
// convention, returning the platform name embedded in the localpart.
func IsControlBot(userID id.UserID) (string, bool) {
	match := controlBotPattern.FindStringSubmatch(userID.String())
	if match == nil {
		return "", false
	}
	return match[1], true
}
