package session

import (
	"log/slog"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

// historyKey carries the resolution inputs extracted from an inbound history.
type historyKey struct {
	firstUserText      string
	firstAssistantText string
	hasAssistant       bool
}

// extractKey pulls the first user text and first assistant text out of the
// history. The first user text is required for any resolution path.
func extractKey(history []domain.Message) (historyKey, error) {
	var key historyKey
	for _, msg := range history {
		switch msg.Role {
		case domain.RoleUser:
			if key.firstUserText == "" {
				key.firstUserText = msg.Content.TextContent()
			}
		case domain.RoleAssistant:
			if !key.hasAssistant {
				// Empty content is legal here: a tool-calling assistant turn
				// may carry no prose at all.
				key.firstAssistantText = msg.Content.TextContent()
				key.hasAssistant = true
			}
		}
	}
	if key.firstUserText == "" {
		return key, domain.ErrValidation("history contains no non-empty user text content")
	}
	return key, nil
}

// resolverStrategy attempts to find an existing session for the history key.
// Strategies run in order; the first hit wins.
type resolverStrategy interface {
	name() string
	resolve(s *Store, key historyKey) (string, bool)
}

// fingerprintStrategy matches on the hash of the first exchange. This is the
// primary path: the fingerprint was recorded when the session completed its
// first exchange, so a replayed history recomputes to the same value.
type fingerprintStrategy struct{}

func (fingerprintStrategy) name() string { return "fingerprint" }

func (fingerprintStrategy) resolve(s *Store, key historyKey) (string, bool) {
	fp := Fingerprint(key.firstUserText, key.firstAssistantText)
	id, ok := s.byFingerprint[fp]
	return id, ok
}

// firstMessageStrategy matches on the exact first user message. It recovers
// conversations whose assistant half was truncated or rewritten by the client,
// which corrupts the fingerprint but not the opening turn. A match is only
// trusted when it is unique; several sessions sharing an opening line is
// ambiguous and treated as not found.
type firstMessageStrategy struct {
	logger *slog.Logger
}

func (firstMessageStrategy) name() string { return "first_message" }

func (f firstMessageStrategy) resolve(s *Store, key historyKey) (string, bool) {
	var matched string
	count := 0
	for id, ent := range s.entries {
		if ent.sess.FirstUserMessage == key.firstUserText {
			matched = id
			count++
		}
	}
	if count == 1 {
		return matched, true
	}
	if count > 1 && f.logger != nil {
		err := domain.ErrSessionAmbiguity("first message matches %d live sessions", count)
		f.logger.Warn("first-message resolution ambiguous, creating fresh session",
			slog.Int("matches", count),
			slog.String("error", err.Error()))
	}
	return "", false
}
