// Package protocol defines the JSON wire frames exchanged between server and
// clients, plus the moderation-state vocabulary shared with the store. Frames
// are single UTF-8 JSON objects, one per line on the TCP transport and one
// per text message on the websocket transport.
package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Client → server frame types.
const (
	TypeSignup      = "signup"
	TypeSignin      = "signin"
	TypeDisconnect  = "disconnect"
	TypePendingRoom = "pending_room"
	TypePublic      = "public"
	TypePrivate     = "private"
)

// Server → client unsolicited frame types (moderation pushes).
const (
	TypeKick     = "kick"
	TypeKickIP   = "kick_ip"
	TypeUnkick   = "unkick"
	TypeUnkickIP = "unkick_ip"
	TypeBan      = "ban"
	TypeBanIP    = "ban_ip"
	TypeUnban    = "unban"
	TypeUnbanIP  = "unban_ip"
	TypeKill     = "kill"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusKick  = "kick"
	StatusBan   = "ban"
)

// Error reasons carried in status=error responses.
const (
	ReasonIncorrectUsername  = "incorrect_username"
	ReasonIncorrectPassword  = "incorrect_password"
	ReasonUsernameAlreadyUse = "username_already_used"
	ReasonNotLoggedIn        = "not_logged_in"
	ReasonNotValidSender     = "not_valid_sender"
	ReasonAlreadyInRoom      = "already_in_room"
	ReasonRoomDoesNotExist   = "room_does_not_exist"
	ReasonRecipientNotFound  = "recipient_not_found"
)

// Moderation states persisted per user.
const (
	StateValid  = "valid"
	StateKick   = "kick"
	StateKickIP = "kick_ip"
	StateBan    = "ban"
	StateBanIP  = "ban_ip"
)

// Room types persisted per room.
const (
	RoomPublic  = "public"
	RoomPrivate = "private"
)

// TimeLayout renders moderation timeouts on the wire.
const TimeLayout = "2006-01-02 15:04:05"

// Wire limits.
const (
	MaxNameLength = 50        // max UTF-8 bytes for usernames and room names
	MaxChatLength = 500       // max bytes for a single message body
	MaxFrameBytes = 64 * 1024 // hard cap on a single JSON frame
)

// Message is the JSON envelope for every frame in both directions.
type Message struct {
	Type     string   `json:"type"`
	Status   string   `json:"status,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Room     string   `json:"room,omitempty"`
	To       string   `json:"to,omitempty"`
	User     string   `json:"user,omitempty"`
	Message  string   `json:"message,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	AllRooms []string `json:"all_rooms,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`
}

// ErrorFrame builds a status=error response for the given frame type.
func ErrorFrame(typ, reason string) Message {
	return Message{Type: typ, Status: StatusError, Reason: reason}
}

// FormatTimeout renders an absolute moderation expiry for the wire.
func FormatTimeout(t time.Time) string {
	return t.Format(TimeLayout)
}

// PrivateRoomName derives the deterministic room name for a two-party
// private channel: the lexicographically sorted concatenation of the two
// usernames. Either party initiating recovers the same room.
func PrivateRoomName(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return names[0] + names[1]
}

// ValidateName trims whitespace from s and returns the trimmed string, or an
// error if the result is empty or exceeds MaxNameLength bytes.
func ValidateName(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("name must not be empty")
	case len(s) > MaxNameLength:
		return "", fmt.Errorf("name must not exceed %d characters", MaxNameLength)
	}
	return s, nil
}
