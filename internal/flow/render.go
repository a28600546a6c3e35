package flow

import (
	"fmt"
	"strings"

	"onboarding-agent/internal/domain"
)

var stepOptions = map[domain.Step]string{
	domain.StepAskEntryMethod:     optEntryMethods,
	domain.StepAskProfileChoice:   optProfileChoice,
	domain.StepAskRole:            optRoles,
	domain.StepAskInterests:       optInterests,
	domain.StepAskConnectionGoals: optConnectionGoals,
	domain.StepAskGender:          optGender,
	domain.StepAskNotifications:   optNotifications,
}

// Prompt renders the question for step in the profile's language.
func (c *Catalog) Prompt(p domain.ConversationProfile, step domain.Step) string {
	tmpl := c.prompt(p.Language, step)
	options := ""
	if step == domain.StepAskLanguage {
		lines := make([]string, 0, len(c.Languages))
		for _, l := range c.Languages {
			lines = append(lines, fmt.Sprintf("%d. %s", l.ID, l.Label))
		}
		options = strings.Join(lines, "\n")
	} else if table, ok := stepOptions[step]; ok {
		options = renderOptions(c.Options[table])
	}
	summary := ""
	if step == domain.StepConfirmation {
		summary = c.Summary(p)
	}
	return strings.NewReplacer(
		"{name}", p.Name,
		"{options}", options,
		"{summary}", summary,
		"{contact}", p.PendingContact,
	).Replace(tmpl)
}

// PromptWithHint prefixes the step's question with a validation hint.
func (c *Catalog) PromptWithHint(p domain.ConversationProfile, step domain.Step, hintKey string) string {
	hint := c.hint(p.Language, hintKey)
	if hint == "" {
		return c.Prompt(p, step)
	}
	return hint + "\n\n" + c.Prompt(p, step)
}

func renderOptions(opts []Option) string {
	lines := make([]string, 0, len(opts))
	for _, o := range opts {
		lines = append(lines, fmt.Sprintf("%d. %s", o.ID, o.Label))
	}
	return strings.Join(lines, "\n")
}

// Summary renders the profile review shown at confirmation.
func (c *Catalog) Summary(p domain.ConversationProfile) string {
	lang := p.Language
	rows := []struct {
		key   string
		value string
	}{
		{"name", p.Name},
		{"contact", p.ContactAddress()},
		{"claimed_name", p.ClaimedName},
		{"location", p.Location},
		{"roles", strings.Join(p.Roles, ", ")},
		{"interests", strings.Join(p.Interests, ", ")},
		{"connection_goals", strings.Join(p.ConnectionGoals, ", ")},
		{"events", strings.Join(p.Events, ", ")},
		{"socials", strings.Join(p.Socials, ", ")},
		{"handle", handleDisplay(p.TelegramHandle)},
		{"gender", p.Gender},
		{"notifications", p.NotificationPreference},
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.key == "claimed_name" && p.WalletAddress == "" {
			continue
		}
		value := r.value
		if value == "" {
			if isSkipped(p, r.key) {
				value = c.label(lang, "skipped")
			} else {
				value = c.label(lang, "unset")
			}
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", c.label(lang, r.key), value))
	}
	return strings.Join(lines, "\n")
}

func handleDisplay(h string) string {
	if h == "" {
		return ""
	}
	return "@" + h
}

func isSkipped(p domain.ConversationProfile, key string) bool {
	for _, s := range p.Skipped {
		if s == key {
			return true
		}
	}
	return false
}

// Fallback is the reply used when no other producer answered a turn.
func (c *Catalog) Fallback(p domain.ConversationProfile) string {
	return c.hint(p.Language, "fallback")
}
