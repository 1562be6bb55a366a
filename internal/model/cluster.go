package model

// Cluster (a "line") groups messages by sender domain, or by a
// user-defined merge of several domains, or by a classification skill.
//
// For a plain domain cluster the ID is the domain itself. For a merged
// cluster the ID is the user-supplied group name. For a skill-backed
// cluster the ID is the skill ID.
type Cluster struct {
	ID          string
	DisplayName string
	Domains     []string

	// MessageCount and ThreadCount are deduplicated: a message whose
	// sender domain appears in several constituent domains of a merge
	// is counted once.
	MessageCount int
	ThreadCount  int

	// IsJoin is true for a user-merged group of two or more domains.
	IsJoin bool
	// IsSkill is true when membership is defined by a classification
	// skill rather than by sender domain. Skill clusters are excluded
	// from merge/ungroup.
	IsSkill bool

	// Icon and Color are derived deterministically from the cluster ID
	// so UI identity is stable across sessions.
	Icon  string
	Color string
}
