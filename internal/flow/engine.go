// Package flow implements the onboarding step engine: a deterministic state
// machine that moves a ConversationProfile through the questionnaire.
//
// The engine never writes anything. Advance returns the next profile and the
// scripted reply, and the caller decides whether to commit them.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"onboarding-agent/internal/domain"
)

// Directory gives the engine read-only access to other conversations.
type Directory interface {
	FindCompletedByContact(ctx context.Context, address, exceptConversationID string) (string, bool, error)
	LoadProfile(ctx context.Context, conversationID string) (domain.ConversationProfile, error)
	ClaimedNameTaken(ctx context.Context, name, exceptConversationID string) (bool, error)
}

// ErrDirectory marks Advance errors caused by a failed Directory lookup.
var ErrDirectory = errors.New("directory lookup failed")

// Input is one turn presented to the engine.
type Input struct {
	Profile domain.ConversationProfile
	Step    domain.Step
	Text    string
	Now     time.Time
}

// Delta describes how a transition changed the profile.
type Delta struct {
	Reset  bool
	Fields []string
}

// Transition is the result of advancing one turn.
type Transition struct {
	Next    domain.Step
	Profile domain.ConversationProfile
	Delta   Delta

	Reply    string
	HasReply bool
	// Hint is set when the input failed validation and the step was re-asked.
	Hint bool

	Alias     *domain.Alias
	Completed bool
	// SuppressFreeText tells the dispatcher the scripted reply is authoritative.
	SuppressFreeText bool
}

// Engine runs the questionnaire.
type Engine struct {
	catalog *Catalog
	dir     Directory
}

// NewEngine builds an Engine. dir may be nil, in which case identity merge
// and claimed-name checks never find a match.
func NewEngine(catalog *Catalog, dir Directory) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("flow: catalog must not be nil")
	}
	return &Engine{catalog: catalog, dir: dir}, nil
}

// Catalog returns the questionnaire content the engine renders from.
func (e *Engine) Catalog() *Catalog { return e.catalog }

type stepHandler func(t *turn) (Transition, error)

var handlers map[domain.Step]stepHandler

func init() {
	handlers = map[domain.Step]stepHandler{
		domain.StepNone:                handleNone,
		domain.StepAskLanguage:         handleLanguage,
		domain.StepAskName:             handleName,
		domain.StepAskEntryMethod:      handleEntryMethod,
		domain.StepAskWalletConnection: handleWallet,
		domain.StepAskEmail:            handleEmail,
		domain.StepAskProfileChoice:    handleProfileChoice,
		domain.StepAskSIUName:          handleClaimedName,
		domain.StepAskLocation:         handleLocation,
		domain.StepAskRole:             selectionHandler(optRoles, "roles", domain.StepAskInterests),
		domain.StepAskInterests:        selectionHandler(optInterests, "interests", domain.StepAskConnectionGoals),
		domain.StepAskConnectionGoals:  selectionHandler(optConnectionGoals, "connection_goals", domain.StepAskEvents),
		domain.StepAskEvents:           handleEvents,
		domain.StepAskSocials:          handleSocials,
		domain.StepAskTelegramHandle:   handleTelegramHandle,
		domain.StepAskGender:           handleGender,
		domain.StepAskNotifications:    handleNotifications,
		domain.StepConfirmation:        handleConfirmation,
		domain.StepCompleted:           handleCompleted,
	}
}

// Advance computes the next state for one user input.
func (e *Engine) Advance(ctx context.Context, in Input) (Transition, error) {
	step := in.Step
	if step == "" {
		step = domain.StepNone
	}
	t := &turn{
		ctx:    ctx,
		e:      e,
		step:   step,
		p:      in.Profile.Clone(),
		text:   strings.TrimSpace(in.Text),
		now:    in.Now,
		fields: nil,
	}
	if t.now.IsZero() {
		t.now = time.Now().UTC()
	}

	if e.catalog.IsRestart(t.text) {
		return t.restart(), nil
	}

	h, ok := handlers[step]
	if !ok {
		return Transition{}, fmt.Errorf("flow: unknown step %q", step)
	}
	return h(t)
}

type turn struct {
	ctx    context.Context
	e      *Engine
	step   domain.Step
	p      domain.ConversationProfile
	text   string
	now    time.Time
	fields []string
}

func (t *turn) catalog() *Catalog { return t.e.catalog }

// advance moves to next, or back to confirmation while editing.
func (t *turn) advance(next domain.Step) Transition {
	suppress := false
	if t.p.IsEditing {
		next = domain.StepConfirmation
		t.p.IsEditing = false
		t.p.EditingField = ""
		suppress = true
	}
	if next == domain.StepConfirmation {
		suppress = true
	}
	t.p.Step = next
	return Transition{
		Next:             next,
		Profile:          t.p,
		Delta:            Delta{Fields: t.fields},
		Reply:            t.catalog().Prompt(t.p, next),
		HasReply:         true,
		SuppressFreeText: suppress,
	}
}

// jump moves to next without the editing override.
func (t *turn) jump(next domain.Step) Transition {
	t.p.Step = next
	return Transition{
		Next:             next,
		Profile:          t.p,
		Delta:            Delta{Fields: t.fields},
		Reply:            t.catalog().Prompt(t.p, next),
		HasReply:         true,
		SuppressFreeText: next == domain.StepConfirmation || t.p.IsEditing,
	}
}

// stay re-asks the current step with a hint.
func (t *turn) stay(hintKey string) Transition {
	t.p.Step = t.step
	return Transition{
		Next:             t.step,
		Profile:          t.p,
		Delta:            Delta{Fields: t.fields},
		Reply:            t.catalog().PromptWithHint(t.p, t.step, hintKey),
		HasReply:         true,
		Hint:             true,
		SuppressFreeText: t.p.IsEditing || t.step == domain.StepConfirmation,
	}
}

func (t *turn) changed(field string) {
	t.fields = append(t.fields, field)
	t.p.Skipped = removeString(t.p.Skipped, field)
}

func (t *turn) skipped(field string) {
	t.fields = append(t.fields, field)
	if !isSkipped(t.p, field) {
		t.p.Skipped = append(t.p.Skipped, field)
	}
}

func (t *turn) restart() Transition {
	p := domain.ConversationProfile{
		ConversationID:      t.p.ConversationID,
		LinkedPrimaryUserID: t.p.LinkedPrimaryUserID,
		RecentEvents:        t.p.RecentEvents,
		Step:                domain.StepAskName,
	}
	return Transition{
		Next:     domain.StepAskName,
		Profile:  p,
		Delta:    Delta{Reset: true},
		Reply:    t.catalog().Prompt(p, domain.StepAskName),
		HasReply: true,
	}
}

func removeString(in []string, s string) []string {
	out := in[:0:0]
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func handleNone(t *turn) (Transition, error) {
	return t.advance(domain.StepAskLanguage), nil
}

func handleLanguage(t *turn) (Transition, error) {
	code, ok := t.catalog().MatchLanguage(t.text)
	if !ok {
		return t.stay("invalid_choice"), nil
	}
	t.p.Language = code
	t.changed("language")
	return t.advance(domain.StepAskName), nil
}

func handleName(t *turn) (Transition, error) {
	name := normalizeName(t.text)
	if name == "" {
		return t.stay("empty_answer"), nil
	}
	t.p.Name = name
	t.changed("name")
	return t.advance(domain.StepAskEntryMethod), nil
}

func handleEntryMethod(t *turn) (Transition, error) {
	opt, ok := t.catalog().ChooseOption(optEntryMethods, t.text)
	if !ok {
		return t.stay("invalid_choice"), nil
	}
	if opt.Value == "wallet" {
		return t.jump(domain.StepAskWalletConnection), nil
	}
	return t.jump(domain.StepAskEmail), nil
}

func handleWallet(t *turn) (Transition, error) {
	addr, ok := normalizeWallet(t.text)
	if !ok {
		return t.stay("invalid_wallet"), nil
	}
	return t.resolveContact(addr, true)
}

func handleEmail(t *turn) (Transition, error) {
	addr, ok := normalizeEmail(t.text)
	if !ok {
		return t.stay("invalid_email"), nil
	}
	return t.resolveContact(addr, false)
}

// resolveContact stores a contact address, diverting to the profile choice
// when a completed profile under another conversation already owns it.
func (t *turn) resolveContact(addr string, wallet bool) (Transition, error) {
	if !t.p.IsEditing && t.e.dir != nil {
		otherID, found, err := t.e.dir.FindCompletedByContact(t.ctx, addr, t.p.ConversationID)
		if err != nil {
			return Transition{}, fmt.Errorf("flow: find profile by contact: %w: %w", ErrDirectory, err)
		}
		if found && otherID != t.p.LinkedPrimaryUserID {
			t.p.PendingContact = addr
			t.p.PendingMergeFrom = otherID
			return t.jump(domain.StepAskProfileChoice), nil
		}
	}
	t.setContact(addr, wallet)
	return t.advance(nextAfterContact(wallet)), nil
}

func (t *turn) setContact(addr string, wallet bool) {
	if wallet {
		t.p.WalletAddress = addr
	} else {
		t.p.Email = addr
	}
	t.changed("contact")
}

func nextAfterContact(wallet bool) domain.Step {
	if wallet {
		return domain.StepAskSIUName
	}
	return domain.StepAskLocation
}

func handleProfileChoice(t *turn) (Transition, error) {
	opt, ok := t.catalog().ChooseOption(optProfileChoice, t.text)
	if !ok {
		return t.stay("invalid_choice"), nil
	}
	addr := t.p.PendingContact
	wallet := walletPattern.MatchString(addr)
	primaryID := t.p.PendingMergeFrom
	t.p.PendingContact = ""
	t.p.PendingMergeFrom = ""

	if opt.Value != "continue" || primaryID == "" || t.e.dir == nil {
		t.setContact(addr, wallet)
		return t.advance(nextAfterContact(wallet)), nil
	}

	prior, err := t.e.dir.LoadProfile(t.ctx, primaryID)
	if err != nil {
		return Transition{}, fmt.Errorf("flow: load profile %s: %w: %w", primaryID, ErrDirectory, err)
	}
	var alias *domain.Alias
	if t.p.LinkedPrimaryUserID != primaryID {
		alias = &domain.Alias{ConversationID: t.p.ConversationID, PrimaryID: primaryID}
	}
	t.p = mergeProfile(t.p, prior, primaryID)
	if wallet && t.p.WalletAddress == "" {
		t.p.WalletAddress = addr
	} else if !wallet && t.p.Email == "" {
		t.p.Email = addr
	}
	t.fields = append(t.fields, "merge")
	tr := t.jump(domain.StepConfirmation)
	tr.Alias = alias
	return tr, nil
}

// mergeProfile copies the answers of prior into current, keeping the
// current conversation's identity and bookkeeping.
func mergeProfile(current, prior domain.ConversationProfile, primaryID string) domain.ConversationProfile {
	merged := prior.Clone()
	merged.ConversationID = current.ConversationID
	merged.LinkedPrimaryUserID = primaryID
	merged.RecentEvents = current.RecentEvents
	merged.UpdatedAt = current.UpdatedAt
	if current.Language != "" {
		merged.Language = current.Language
	}
	if merged.Name == "" {
		merged.Name = current.Name
	}
	merged.IsEditing = false
	merged.EditingField = ""
	merged.IsConfirmed = false
	merged.CompletedAt = nil
	merged.PendingContact = ""
	merged.PendingMergeFrom = ""
	return merged
}

func handleClaimedName(t *turn) (Transition, error) {
	if t.catalog().IsSkip(t.text) {
		t.p.ClaimedName = ""
		t.skipped("claimed_name")
		return t.advance(domain.StepAskLocation), nil
	}
	name, ok := normalizeClaimedName(t.text)
	if !ok {
		return t.stay("invalid_claimed_name"), nil
	}
	if t.e.dir != nil && name != t.p.ClaimedName {
		taken, err := t.e.dir.ClaimedNameTaken(t.ctx, name, t.p.ConversationID)
		if err != nil {
			return Transition{}, fmt.Errorf("flow: check claimed name: %w: %w", ErrDirectory, err)
		}
		if taken {
			return t.stay("claimed_name_taken"), nil
		}
	}
	t.p.ClaimedName = name
	t.changed("claimed_name")
	return t.advance(domain.StepAskLocation), nil
}

func handleLocation(t *turn) (Transition, error) {
	if t.catalog().IsSkip(t.text) {
		t.p.Location = ""
		t.skipped("location")
		return t.advance(domain.StepAskRole), nil
	}
	loc := normalizeName(t.text)
	if loc == "" {
		return t.stay("empty_answer"), nil
	}
	t.p.Location = loc
	t.changed("location")
	return t.advance(domain.StepAskRole), nil
}

func selectionHandler(table, field string, next domain.Step) stepHandler {
	return func(t *turn) (Transition, error) {
		labels := ParseSelection(t.catalog().Options[table], t.text)
		if len(labels) == 0 {
			return t.stay("empty_selection"), nil
		}
		switch field {
		case "roles":
			t.p.Roles = labels
		case "interests":
			t.p.Interests = labels
		case "connection_goals":
			t.p.ConnectionGoals = labels
		}
		t.changed(field)
		return t.advance(next), nil
	}
}

func handleEvents(t *turn) (Transition, error) {
	if t.catalog().IsSkip(t.text) {
		t.p.Events = nil
		t.skipped("events")
		return t.advance(domain.StepAskSocials), nil
	}
	events := splitList(t.text)
	if len(events) == 0 {
		return t.stay("empty_answer"), nil
	}
	t.p.Events = events
	t.changed("events")
	return t.advance(domain.StepAskSocials), nil
}

func handleSocials(t *turn) (Transition, error) {
	if t.catalog().IsSkip(t.text) {
		t.p.Socials = nil
		t.skipped("socials")
		return t.advance(domain.StepAskTelegramHandle), nil
	}
	links := splitLinks(t.text)
	if len(links) == 0 {
		return t.stay("empty_answer"), nil
	}
	t.p.Socials = links
	t.changed("socials")
	return t.advance(domain.StepAskTelegramHandle), nil
}

func handleTelegramHandle(t *turn) (Transition, error) {
	handle, ok := normalizeHandle(t.text)
	if !ok {
		return t.stay("invalid_handle"), nil
	}
	t.p.TelegramHandle = handle
	t.changed("handle")
	return t.advance(domain.StepAskGender), nil
}

func handleGender(t *turn) (Transition, error) {
	if t.catalog().IsSkip(t.text) {
		t.p.Gender = ""
		t.p.DiversityResearch = nil
		t.skipped("gender")
		return t.advance(domain.StepAskNotifications), nil
	}
	tokens := strings.Fields(strings.ReplaceAll(t.text, ",", " "))
	if len(tokens) == 0 {
		return t.stay("invalid_choice"), nil
	}
	opt, ok := t.catalog().ChooseOption(optGender, tokens[0])
	if !ok {
		opt, ok = t.catalog().ChooseOption(optGender, t.text)
		tokens = nil
	}
	if !ok {
		return t.stay("invalid_choice"), nil
	}
	t.p.Gender = opt.Label
	if len(tokens) > 1 {
		rest := strings.Join(tokens[1:], " ")
		switch {
		case t.catalog().IsAffirmative(rest):
			v := true
			t.p.DiversityResearch = &v
		case t.catalog().IsNegative(rest):
			v := false
			t.p.DiversityResearch = &v
		}
	}
	t.changed("gender")
	return t.advance(domain.StepAskNotifications), nil
}

func handleNotifications(t *turn) (Transition, error) {
	opt, ok := t.catalog().ChooseOption(optNotifications, t.text)
	if !ok {
		return t.stay("invalid_choice"), nil
	}
	t.p.NotificationPreference = opt.Label
	t.changed("notifications")
	return t.advance(domain.StepConfirmation), nil
}

func handleConfirmation(t *turn) (Transition, error) {
	if f, ok := t.catalog().FieldFor(t.text); ok && !t.catalog().IsAffirmative(t.text) {
		step := f.Step
		if f.Key == "contact" && t.p.Email == "" && t.p.WalletAddress != "" {
			step = domain.StepAskWalletConnection
		}
		t.p.IsEditing = true
		t.p.EditingField = f.Key
		return t.jump(step), nil
	}
	if t.catalog().IsAffirmative(t.text) {
		now := t.now.UTC()
		t.p.IsConfirmed = true
		t.p.CompletedAt = &now
		t.fields = append(t.fields, "completed")
		t.p.Step = domain.StepCompleted
		return Transition{
			Next:             domain.StepCompleted,
			Profile:          t.p,
			Delta:            Delta{Fields: t.fields},
			Reply:            t.catalog().Prompt(t.p, domain.StepCompleted),
			HasReply:         true,
			Completed:        true,
			SuppressFreeText: true,
		}, nil
	}
	t.p.Step = domain.StepConfirmation
	return Transition{
		Next:             domain.StepConfirmation,
		Profile:          t.p,
		Reply:            t.catalog().Prompt(t.p, domain.StepConfirmation),
		HasReply:         true,
		SuppressFreeText: true,
	}, nil
}

// handleCompleted leaves the finished profile alone; the free-text engine
// answers anything said after onboarding.
func handleCompleted(t *turn) (Transition, error) {
	t.p.Step = domain.StepCompleted
	return Transition{Next: domain.StepCompleted, Profile: t.p}, nil
}
