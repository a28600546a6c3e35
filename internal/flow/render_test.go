package flow

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"onboarding-agent/internal/domain"
)

func TestSummary_Golden(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	yes := true
	cases := map[string]domain.ConversationProfile{
		"summary_en": {
			Language:               "en",
			Name:                   "Ana",
			Email:                  "ana@example.com",
			Location:               "Lisbon",
			Roles:                  []string{"Founder", "Community Leader", "Grant reviewer"},
			Interests:              []string{"NFTs", "AI"},
			ConnectionGoals:        []string{"Find co-founders"},
			Socials:                []string{"https://x.com/ana"},
			TelegramHandle:         "ana_builds",
			Gender:                 "Female",
			DiversityResearch:      &yes,
			NotificationPreference: "Yes",
			Skipped:                []string{"events"},
		},
		"summary_es_wallet": {
			Language:      "es",
			Name:          "Ana",
			WalletAddress: "0xabcdef0123456789abcdef0123456789abcdef01",
			ClaimedName:   "ana-builds",
			Roles:         []string{"Founder"},
			Skipped:       []string{"location"},
		},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			g.Assert(t, name, []byte(c.Summary(p)))
		})
	}
}

func TestPrompt_RendersOptionsAndName(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	got := c.Prompt(domain.ConversationProfile{Name: "Ana"}, domain.StepAskEntryMethod)
	require.Equal(t, "Nice to meet you, Ana! How would you like to sign in?\n1. Connect a wallet\n2. Use my email", got)

	lang := c.Prompt(domain.ConversationProfile{}, domain.StepAskLanguage)
	require.Contains(t, lang, "1. English\n2. Español")

	done := c.Prompt(domain.ConversationProfile{Name: "Ana"}, domain.StepCompleted)
	require.Equal(t, "You're all set, Ana! We'll be in touch with your first matches soon.", done)
}

func TestPrompt_UnknownLanguageUsesDefault(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	require.Equal(t, "What's your name?", c.Prompt(domain.ConversationProfile{Language: "fr"}, domain.StepAskName))
}

func TestPromptWithHint_UnknownHint(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	require.Equal(t, "What's your name?", c.PromptWithHint(domain.ConversationProfile{}, domain.StepAskName, "no_such_hint"))
}

func TestParseCatalog_Rejects(t *testing.T) {
	cases := map[string]string{
		"garbage":          "languages: [",
		"no languages":     "default_language: en\n",
		"no default text":  "default_language: en\nlanguages: [{id: 1, code: en, label: English}]\n",
		"bad language tag": "default_language: en\nlanguages: [{id: 1, code: '!!', label: X}]\nrestart_phrases: [restart]\ntext: {en: {}}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(raw))
			require.Error(t, err)
		})
	}
}
