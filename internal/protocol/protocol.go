// Package protocol defines the closed set of wire messages exchanged over a
// room's realtime channel. Every inbound frame is one JSON object with a
// mandatory "type" field and is validated here before it reaches a session.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agilecards/pocker-backend/internal/consensus"
)

const MaxChatLen = 2000

// Inbound message kinds.
const (
	TypeVote    = "vote"
	TypeReveal  = "reveal"
	TypeResume  = "resume"
	TypeStart   = "start"
	TypeChat    = "chat"
	TypeKick    = "kick"
	TypePromote = "promote"
)

// Outbound message kinds.
const (
	TypeSnapshot = "snapshot"
	TypePresence = "presence"
	TypeVoted    = "voted"
	TypePause    = "pause"
	TypeError    = "error"
	// reveal, resume and chat reuse the inbound names on the way out
)

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ClientMessage is the decoded inbound frame. Fields beyond Type are
// populated per kind: Value (+ optional Index) for votes, Message for chat,
// Target for kick/promote.
type ClientMessage struct {
	Type    string `json:"type"`
	Value   string `json:"value,omitempty"`
	Index   *int   `json:"index,omitempty"`
	Message string `json:"message,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Decode parses and validates one inbound frame. A non-nil error is always a
// *ValidationError fit to echo back to the sender.
func Decode(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, invalid("malformed message")
	}

	switch m.Type {
	case TypeVote:
		if !validCard(m.Value) {
			return ClientMessage{}, invalid("invalid vote value %q", m.Value)
		}
	case TypeChat:
		m.Message = strings.TrimSpace(m.Message)
		if m.Message == "" {
			return ClientMessage{}, invalid("empty chat message")
		}
		if len(m.Message) > MaxChatLen {
			return ClientMessage{}, invalid("chat message too long")
		}
	case TypeKick, TypePromote:
		if m.Target == "" {
			return ClientMessage{}, invalid("%s requires a target", m.Type)
		}
	case TypeReveal, TypeResume, TypeStart:
		// no payload
	default:
		return ClientMessage{}, invalid("unknown message type %q", m.Type)
	}
	return m, nil
}

func validCard(v string) bool {
	if v == consensus.Coffee {
		return true
	}
	for _, c := range consensus.Cards {
		if v == c {
			return true
		}
	}
	return false
}

// ItemView is the client-facing slice of a backlog item.
type ItemView struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Estimate    string `json:"estimate,omitempty"`
}

// PlayerView is one roster row as seen by clients. Vote values stay hidden
// until reveal; only the fact of having voted is exposed.
type PlayerView struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Online   bool   `json:"online"`
	HasVoted bool   `json:"hasVoted"`
}

// ServerMessage is the outbound frame. One struct covers every kind; fields
// irrelevant to a kind are omitted from the wire.
type ServerMessage struct {
	Type string `json:"type"`

	// snapshot
	Index    int          `json:"index,omitempty"` // 1-based for the UI
	Total    int          `json:"total,omitempty"`
	Current  *ItemView    `json:"current,omitempty"`
	Done     bool         `json:"done,omitempty"`
	IsPaused bool         `json:"isPaused,omitempty"`
	Players  []PlayerView `json:"players,omitempty"`

	// voted progress (Total doubles as the expected voter count)
	Voters int `json:"voters,omitempty"`

	// reveal
	Status string    `json:"status,omitempty"`
	Result string    `json:"result,omitempty"`
	Next   *ItemView `json:"next,omitempty"`

	// pause / presence / chat / error
	PausedBy  string `json:"pausedBy,omitempty"`
	Username  string `json:"username,omitempty"`
	Online    *bool  `json:"online,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
}

func ErrorMessage(reason string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: reason}
}

func PresenceMessage(username string, online bool) ServerMessage {
	return ServerMessage{Type: TypePresence, Username: username, Online: &online}
}
