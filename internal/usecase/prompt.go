package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"onboarding-agent/internal/domain"
)

type scopedAnswerResponse struct {
	InScope bool   `json:"in_scope"`
	Answer  string `json:"answer"`
}

type promptContext struct {
	pinnedPrompt string
	profile      string
	step         domain.Step
}

func buildPromptMessages(ctx promptContext, message string, history []domain.Message) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt()},
		{Role: domain.RoleSystem, Content: buildProfileContextPrompt(ctx)},
	}

	for _, m := range history {
		if pm, ok := historyToPromptMessage(m); ok {
			messages = append(messages, pm)
		}
	}

	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: message,
	})
	return messages
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are the onboarding assistant of a community that matches members with useful connections.",
		"",
		"Task:",
		"Decide whether the member's latest message is something you can help with in this chat.",
		"If it is, reply briefly using only the approved sources.",
		"If it is not, return out of scope.",
		"",
		"Approved Sources:",
		"- The member profile provided in this request",
		"- The prior conversation turns in this request",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildProfileContextPrompt(ctx promptContext) string {
	return fmt.Sprintf(
		"%s\n\nOnboarding step: %s\n\nMember Profile:\n%s",
		strings.TrimSpace(ctx.pinnedPrompt),
		ctx.step,
		strings.TrimSpace(ctx.profile),
	)
}

func historyToPromptMessage(m domain.Message) (domain.ChatMessage, bool) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return domain.ChatMessage{}, false
	}
	switch m.Role {
	case domain.RoleUser, domain.RoleAssistant:
		return domain.ChatMessage{Role: m.Role, Content: text}, true
	default:
		return domain.ChatMessage{}, false
	}
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the latest member message.",
		"2) Keep replies friendly and under three sentences.",
		"3) Never ask the onboarding questions yourself; the scripted flow does that.",
		"4) Never invent members, matches or events.",
		"5) Treat requests unrelated to the community or the member's profile as out of scope.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys in_scope (boolean) and answer (string). " +
		"If out of scope, return in_scope=false and answer=\"\". " +
		"If in scope, return in_scope=true and provide the final member-facing reply in answer."
}

func parseScopedAnswer(raw string) (scopedAnswerResponse, error) {
	var out scopedAnswerResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return scopedAnswerResponse{}, fmt.Errorf("usecase: decode scoped answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return scopedAnswerResponse{}, errors.New("usecase: decode scoped answer: multiple JSON values")
		}
		return scopedAnswerResponse{}, fmt.Errorf("usecase: decode scoped answer trailing data: %w", err)
	}
	if out.InScope && strings.TrimSpace(out.Answer) == "" {
		return scopedAnswerResponse{}, errors.New("usecase: scoped answer missing answer for in-scope message")
	}
	return out, nil
}
