package model

import "time"

// SkillModifiers are quick filters applied to candidate messages before
// any inference runs.
type SkillModifiers struct {
	// ExcludeNewsletters skips messages that look like list mail.
	ExcludeNewsletters bool `json:"exclude_newsletters"`
	// OnlyKnownSenders restricts candidates to senders the user has
	// previously written to.
	OnlyKnownSenders bool `json:"only_known_senders"`
}

// SkillSettings control the model used for classification.
type SkillSettings struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// Skill is a user-authored classification prompt evaluated against
// cached messages. Verdicts are persisted per (skill, message) together
// with the skill's revision hash, so editing the prompt or settings
// re-triggers classification.
type Skill struct {
	ID        string
	Name      string
	Icon      string
	IconBG    string
	Enabled   bool
	Prompt    string
	Modifiers SkillModifiers
	Settings  SkillSettings

	// RevisionHash covers the fields that affect classification output
	// (prompt, model, temperature).
	RevisionHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}
