// Package session reconstructs upstream conversation state across stateless
// OpenAI-style requests. Each Session pins one upstream chat thread and the
// parent message id the upstream considers the head of that thread.
package session

import "time"

// Session is the unit of conversation continuity.
type Session struct {
	// ID is the gateway-assigned opaque key for this conversation.
	ID string

	// UpstreamChatID is the chat thread on the upstream service. Set once,
	// right after the upstream chat is created, and never reassigned.
	UpstreamChatID string

	// ParentMessageID is the upstream's pointer to the last message of the
	// thread. Empty only before the first response is received.
	ParentMessageID string

	// Fingerprint is the hash of the first user+assistant exchange, used to
	// re-resolve this session from a later stateless request. Set at most
	// once, after the first completed exchange.
	Fingerprint string

	// FirstUserMessage is the raw text of the first user turn, retained for
	// fallback resolution. Never overwritten.
	FirstUserMessage string

	// TurnCount counts completed exchanges.
	TurnCount int

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
}
