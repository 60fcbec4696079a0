// Package transform converts between OpenAI message arrays and upstream
// payload structures, in both directions. It is stateless: conversation
// continuity lives in the session store, not here.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
	"github.com/ChrisColeTech/qwen-gateway/internal/toolparser"
	"github.com/ChrisColeTech/qwen-gateway/internal/upstream"
)

// emptyToolOutput replaces empty tool results. Forwarding silence verbatim
// makes the upstream model read it as failure and retry the action.
const emptyToolOutput = "(Command completed successfully with no output)"

// translated is the intermediate message form after role flattening. The
// upstream only knows user and assistant roles.
type translated struct {
	role     string
	content  string
	toolName string
}

// OutboundResult is the upstream payload plus any tool calls recovered from
// prose along the way, kept for downstream accounting.
type OutboundResult struct {
	Payload   *upstream.SendPayload
	Recovered []domain.ToolCall
}

// ValidateHistory runs the structural checks Outbound applies, without
// building a payload. Callers reject bad requests here before any session or
// upstream work happens.
func ValidateHistory(history []domain.Message) error {
	if len(history) == 0 {
		return domain.ErrValidation("messages must not be empty")
	}
	flattened, _ := flatten(history, nil)
	_, err := lastUserContent(flattened)
	return err
}

// Outbound converts an inbound OpenAI history into the upstream send
// payload. Only the most recent user-equivalent turn is forwarded; the
// upstream reconstructs prior context from parentID, and replaying the full
// history would duplicate it.
func Outbound(history []domain.Message, chatID, parentID, model string, tools []domain.ToolDefinition) (*OutboundResult, error) {
	if len(history) == 0 {
		return nil, domain.ErrValidation("messages must not be empty")
	}

	known := make([]string, 0, len(tools))
	for _, tool := range tools {
		known = append(known, tool.Function.Name)
	}

	flattened, recovered := flatten(history, known)
	content, err := lastUserContent(flattened)
	if err != nil {
		return nil, err
	}

	payload := &upstream.SendPayload{
		ChatID: chatID,
		Model:  model,
		Messages: []upstream.OutboundMessage{{
			ID:      uuid.New().String(),
			Role:    domain.RoleUser,
			Content: content,
			Models:  []string{model},
		}},
	}
	if parentID != "" {
		payload.ParentID = &parentID
	}

	return &OutboundResult{Payload: payload, Recovered: recovered}, nil
}

// lastUserContent returns the text of the most recent user-equivalent turn.
func lastUserContent(flattened []translated) (string, error) {
	for i := len(flattened) - 1; i >= 0; i-- {
		if flattened[i].role != domain.RoleUser {
			continue
		}
		if strings.TrimSpace(flattened[i].content) == "" {
			return "", domain.ErrValidation("last user message has no text content")
		}
		return flattened[i].content, nil
	}
	return "", domain.ErrValidation("messages must contain at least one user message")
}

// flatten rewrites the history into user/assistant-only turns: tool results
// become user messages, assistant tool_calls are stripped (recovering a
// structured call from embedded XML when the arguments arrived empty).
func flatten(history []domain.Message, knownTools []string) ([]translated, []domain.ToolCall) {
	out := make([]translated, 0, len(history))
	var recovered []domain.ToolCall

	for i, msg := range history {
		switch msg.Role {
		case domain.RoleTool:
			name := resolveToolName(history, i)
			content := msg.Content.TextContent()
			if strings.TrimSpace(content) == "" {
				content = emptyToolOutput
			}
			prefix := "Tool Result:"
			if name != "" {
				prefix = fmt.Sprintf("Tool Result from %s:", name)
			}
			out = append(out, translated{
				role:     domain.RoleUser,
				content:  prefix + "\n" + content,
				toolName: name,
			})

		case domain.RoleAssistant:
			if len(msg.ToolCalls) > 0 && allArgumentsEmpty(msg.ToolCalls) && !msg.Content.IsEmpty() {
				if call, ok := toolparser.Parse(msg.Content.TextContent(), knownTools); ok {
					recovered = append(recovered, *call)
				}
			}
			out = append(out, translated{role: domain.RoleAssistant, content: msg.Content.TextContent()})

		case domain.RoleUser:
			out = append(out, translated{role: domain.RoleUser, content: msg.Content.TextContent()})

		case domain.RoleSystem:
			// System prompts have no upstream equivalent; the upstream seeds
			// its own instructions per chat.
			continue
		}
	}
	return out, recovered
}

// resolveToolName maps a tool result back to the tool that produced it by
// matching tool_call_id against the nearest preceding assistant turn.
func resolveToolName(history []domain.Message, toolIdx int) string {
	id := history[toolIdx].ToolCallID
	for i := toolIdx - 1; i >= 0; i-- {
		if history[i].Role != domain.RoleAssistant {
			continue
		}
		for _, call := range history[i].ToolCalls {
			if id != "" && call.ID == id {
				return call.Function.Name
			}
		}
		return ""
	}
	return ""
}

func allArgumentsEmpty(calls []domain.ToolCall) bool {
	for _, call := range calls {
		args := strings.TrimSpace(call.Function.Arguments)
		if args != "" && args != "{}" && args != "null" {
			return false
		}
	}
	return true
}

// Inbound converts a buffered upstream response into the OpenAI chat
// completion shape.
func Inbound(resp *upstream.BufferedResponse, model string) (*domain.ChatResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, domain.ErrUpstreamFormat("upstream response carried no choices")
	}

	choice := resp.Choices[0]
	usage := domain.Usage{}
	if resp.Usage != nil {
		usage = domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &domain.ChatResponse{
		ID:      CompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{{
			Index: 0,
			Message: domain.ResponseMessage{
				Role:    domain.RoleAssistant,
				Content: choice.Message.Content,
			},
			FinishReason: MapFinishReason(choice.FinishReason),
		}},
		Usage: usage,
	}, nil
}

// MapFinishReason translates the upstream finish reason to the OpenAI set.
// Anything unrecognized maps to stop.
func MapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	case "finished", "stopped", "stop", "":
		return "stop"
	default:
		return "stop"
	}
}

// CompletionID generates an OpenAI-style chat completion id.
func CompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
