// Package toolparser recovers structured tool calls from prose. Some upstream
// models emit their tool invocation as an inline XML block instead of (or in
// addition to) the structured tool_calls field; when the structured field
// arrives with empty arguments, the block in the prose is the only usable
// record of what the model asked for.
package toolparser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

var openTagPattern = regexp.MustCompile(`<([a-zA-Z_][\w-]*)>`)

// Parse scans text for an XML tool-invocation block and rebuilds a ToolCall
// from it. When knownTools is non-empty the outer tag must name one of them;
// otherwise the first well-formed block is accepted. Child elements become
// the JSON argument object; attributes are not supported and text outside
// the block is ignored.
func Parse(text string, knownTools []string) (*domain.ToolCall, bool) {
	known := make(map[string]bool, len(knownTools))
	for _, name := range knownTools {
		known[name] = true
	}

	rest := text
	for {
		name, body, remainder, ok := nextElement(rest)
		if !ok {
			return nil, false
		}
		rest = remainder
		if len(known) > 0 && !known[name] {
			continue
		}

		rawArgs, err := json.Marshal(parseParams(body))
		if err != nil {
			continue
		}

		return &domain.ToolCall{
			ID:   "call_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
			Type: "function",
			Function: domain.ToolCallFunction{
				Name:      name,
				Arguments: string(rawArgs),
			},
		}, true
	}
}

// nextElement finds the first complete <name>...</name> element in s and
// returns its tag name, inner body, and the text after the element.
func nextElement(s string) (name, body, rest string, ok bool) {
	for {
		loc := openTagPattern.FindStringSubmatchIndex(s)
		if loc == nil {
			return "", "", "", false
		}
		name = s[loc[2]:loc[3]]
		after := s[loc[1]:]
		closing := "</" + name + ">"
		end := strings.Index(after, closing)
		if end < 0 {
			// Unbalanced tag: skip past the opening tag and keep looking.
			s = after
			continue
		}
		return name, after[:end], after[end+len(closing):], true
	}
}

// parseParams interprets the block body as a flat set of <param>value</param>
// elements. A body with no elements yields an empty argument object.
func parseParams(body string) map[string]string {
	args := make(map[string]string)
	rest := body
	for {
		name, value, remainder, ok := nextElement(rest)
		if !ok {
			return args
		}
		args[name] = strings.TrimSpace(value)
		rest = remainder
	}
}
