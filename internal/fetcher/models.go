package fetcher

// =======================
// SNAPSHOT MODELS (API)
// =======================

// wireSnapshot is the evaluation snapshot document served for a namespace.
// Segments are embedded in the rules and rollouts that reference them.
type wireSnapshot struct {
	Namespace wireNamespace `json:"namespace"`
	Flags     []wireFlag    `json:"flags"`
}

type wireNamespace struct {
	Key string `json:"key"`
}

// =======================
// FLAGS
// =======================

type wireFlag struct {
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Enabled        bool          `json:"enabled"`
	Type           string        `json:"type"`
	Rules          []wireRule    `json:"rules"`
	Rollouts       []wireRollout `json:"rollouts"`
	Variants       []wireVariant `json:"variants,omitempty"`
	DefaultVariant *wireVariant  `json:"defaultVariant,omitempty"`
}

type wireVariant struct {
	ID         string `json:"id,omitempty"`
	Key        string `json:"key"`
	Attachment string `json:"attachment"`
}

// =======================
// RULES & DISTRIBUTIONS
// =======================

type wireRule struct {
	ID              string             `json:"id"`
	Rank            int                `json:"rank"`
	SegmentOperator string             `json:"segmentOperator"`
	Segments        []wireSegment      `json:"segments"`
	Distributions   []wireDistribution `json:"distributions"`
}

type wireDistribution struct {
	ID      string      `json:"id,omitempty"`
	RuleID  string      `json:"ruleId,omitempty"`
	Rollout float64     `json:"rollout"`
	Variant wireVariant `json:"variant"`
}

// =======================
// ROLLOUTS
// =======================

type wireRollout struct {
	Type      string                `json:"type"`
	Rank      int                   `json:"rank"`
	Segment   *wireRolloutSegment   `json:"segment,omitempty"`
	Threshold *wireRolloutThreshold `json:"threshold,omitempty"`
}

type wireRolloutSegment struct {
	Value           bool          `json:"value"`
	SegmentOperator string        `json:"segmentOperator"`
	Segments        []wireSegment `json:"segments"`
}

type wireRolloutThreshold struct {
	Percentage float64 `json:"percentage"`
	Value      bool    `json:"value"`
}

// =======================
// SEGMENTS & CONSTRAINTS
// =======================

type wireSegment struct {
	Key         string           `json:"key"`
	MatchType   string           `json:"matchType"`
	Constraints []wireConstraint `json:"constraints"`
}

type wireConstraint struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Property string `json:"property"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// =======================
// STREAM MESSAGES
// =======================

const (
	messageTypeSnapshot = "snapshot"
	messageTypePatch    = "patch"
)

// wireMessage is one line of the NDJSON stream or one websocket frame
type wireMessage struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Snapshot *wireSnapshot `json:"snapshot,omitempty"`
	Patch    *wirePatch    `json:"patch,omitempty"`
}

type wirePatch struct {
	UpsertFlags    []wireFlag    `json:"upsertFlags"`
	DeleteFlags    []string      `json:"deleteFlags"`
	UpsertSegments []wireSegment `json:"upsertSegments"`
	DeleteSegments []string      `json:"deleteSegments"`
}
