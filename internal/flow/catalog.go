package flow

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"onboarding-agent/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Option tables referenced by the step handlers.
const (
	optEntryMethods    = "entry_methods"
	optProfileChoice   = "profile_choice"
	optRoles           = "roles"
	optInterests       = "interests"
	optConnectionGoals = "connection_goals"
	optGender          = "gender"
	optNotifications   = "notifications"
)

// Option is one numbered answer in a multiple-choice question.
type Option struct {
	ID    int    `yaml:"id"`
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

// LanguageOption is a supported conversation language.
type LanguageOption struct {
	ID      int      `yaml:"id"`
	Code    string   `yaml:"code"`
	Label   string   `yaml:"label"`
	Aliases []string `yaml:"aliases"`
}

// Field is an editable profile field and the step that collects it.
type Field struct {
	Key      string      `yaml:"key"`
	Step     domain.Step `yaml:"step"`
	Keywords []string    `yaml:"keywords"`
}

// Texts holds the localized strings for one language.
type Texts struct {
	Prompts map[string]string `yaml:"prompts"`
	Hints   map[string]string `yaml:"hints"`
	Labels  map[string]string `yaml:"labels"`
}

// Catalog is the questionnaire content: prompts, option tables and keyword sets.
type Catalog struct {
	DefaultLanguage string              `yaml:"default_language"`
	Languages       []LanguageOption    `yaml:"languages"`
	RestartPhrases  []string            `yaml:"restart_phrases"`
	SkipKeywords    []string            `yaml:"skip_keywords"`
	Affirmatives    []string            `yaml:"affirmatives"`
	Negatives       []string            `yaml:"negatives"`
	Options         map[string][]Option `yaml:"options"`
	Fields          []Field             `yaml:"fields"`
	Text            map[string]Texts    `yaml:"text"`

	matcher language.Matcher
}

// DefaultCatalog parses the embedded questionnaire.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("flow: decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	tags := make([]language.Tag, 0, len(c.Languages))
	for _, l := range c.Languages {
		tag, err := language.Parse(l.Code)
		if err != nil {
			return nil, fmt.Errorf("flow: language %q: %w", l.Code, err)
		}
		tags = append(tags, tag)
	}
	c.matcher = language.NewMatcher(tags)
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Languages) == 0 {
		return errors.New("flow: catalog has no languages")
	}
	if _, ok := c.Text[c.DefaultLanguage]; !ok {
		return fmt.Errorf("flow: catalog has no text for default language %q", c.DefaultLanguage)
	}
	for _, key := range []string{optEntryMethods, optProfileChoice, optRoles, optInterests, optConnectionGoals, optGender, optNotifications} {
		if len(c.Options[key]) == 0 {
			return fmt.Errorf("flow: catalog missing option table %q", key)
		}
	}
	if len(c.RestartPhrases) == 0 {
		return errors.New("flow: catalog has no restart phrases")
	}
	return nil
}

// fold normalizes s for case-insensitive comparison.
func fold(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// IsRestart reports whether input contains any restart phrase.
func (c *Catalog) IsRestart(input string) bool {
	in := fold(input)
	if in == "" {
		return false
	}
	for _, phrase := range c.RestartPhrases {
		if strings.Contains(in, fold(phrase)) {
			return true
		}
	}
	return false
}

// IsSkip reports whether input equals a skip keyword.
func (c *Catalog) IsSkip(input string) bool {
	return containsFolded(c.SkipKeywords, trimPunct(input))
}

// IsAffirmative reports whether input is a confirmation.
func (c *Catalog) IsAffirmative(input string) bool {
	return containsFolded(c.Affirmatives, trimPunct(input))
}

// IsNegative reports whether input is a refusal.
func (c *Catalog) IsNegative(input string) bool {
	return containsFolded(c.Negatives, trimPunct(input))
}

func containsFolded(set []string, input string) bool {
	in := fold(input)
	if in == "" {
		return false
	}
	for _, s := range set {
		if fold(s) == in {
			return true
		}
	}
	return false
}

func trimPunct(s string) string {
	return strings.Trim(strings.TrimSpace(s), ".!¡?¿,;:")
}

// MatchLanguage resolves a language answer given as an option number, a
// name, or a BCP 47 tag.
func (c *Catalog) MatchLanguage(input string) (string, bool) {
	in := trimPunct(input)
	if in == "" {
		return "", false
	}
	folded := fold(in)
	for _, l := range c.Languages {
		if folded == fmt.Sprint(l.ID) || folded == fold(l.Code) || folded == fold(l.Label) || containsFolded(l.Aliases, in) {
			return l.Code, true
		}
	}
	tag, err := language.Parse(in)
	if err != nil {
		return "", false
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return "", false
	}
	return c.Languages[idx].Code, true
}

// ChooseOption resolves a single-choice answer by number, value or label.
func (c *Catalog) ChooseOption(table, input string) (Option, bool) {
	in := fold(trimPunct(input))
	if in == "" {
		return Option{}, false
	}
	for _, o := range c.Options[table] {
		if in == fmt.Sprint(o.ID) || (o.Value != "" && in == fold(o.Value)) || in == fold(o.Label) {
			return o, true
		}
	}
	return Option{}, false
}

// FieldFor finds the editable field named in input.
func (c *Catalog) FieldFor(input string) (Field, bool) {
	in := fold(input)
	if in == "" {
		return Field{}, false
	}
	for _, f := range c.Fields {
		for _, kw := range f.Keywords {
			if strings.Contains(in, fold(kw)) {
				return f, true
			}
		}
	}
	return Field{}, false
}

func (c *Catalog) texts(lang string) (Texts, Texts) {
	def := c.Text[c.DefaultLanguage]
	if t, ok := c.Text[lang]; ok {
		return t, def
	}
	return def, def
}

func (c *Catalog) prompt(lang string, step domain.Step) string {
	t, def := c.texts(lang)
	if s, ok := t.Prompts[string(step)]; ok {
		return s
	}
	return def.Prompts[string(step)]
}

func (c *Catalog) hint(lang, key string) string {
	t, def := c.texts(lang)
	if s, ok := t.Hints[key]; ok {
		return s
	}
	return def.Hints[key]
}

func (c *Catalog) label(lang, key string) string {
	t, def := c.texts(lang)
	if s, ok := t.Labels[key]; ok {
		return s
	}
	if s, ok := def.Labels[key]; ok {
		return s
	}
	return key
}
