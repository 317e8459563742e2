package core

// DiffType distinguishes a first-ever bundle from a change to an existing one.
type DiffType string

const (
	DiffInitial DiffType = "initial"
	DiffChange  DiffType = "change"
)

// KeyChange is one modified scalar config value.
type KeyChange struct {
	Key   string  `json:"key"`
	Old   any     `json:"old"`
	New   any     `json:"new"`
	Delta float64 `json:"delta,omitempty"` // only for numeric values
}

// KeyAddition is a config key present only in the new bundle.
type KeyAddition struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// BundleDiff is shown verbatim to human approvers, so it must be complete and
// deterministic: keys are reported in sorted order.
type BundleDiff struct {
	Agent         string        `json:"agent"`
	Type          DiffType      `json:"type"`
	Modifications []KeyChange   `json:"modifications,omitempty"`
	Additions     []KeyAddition `json:"additions,omitempty"`
	Removals      []string      `json:"removals,omitempty"`
	AccuracyDelta float64       `json:"accuracy_delta"`
}
