package domain

// EvaluationRequest identifies a flag and the entity it is evaluated for
type EvaluationRequest struct {
	FlagKey  string
	EntityID string
	Context  map[string]string
}

// Reason explains why an evaluation produced its result
type Reason string

const (
	ReasonMatch          Reason = "MATCH_EVALUATION_REASON"
	ReasonFlagDisabled   Reason = "FLAG_DISABLED_EVALUATION_REASON"
	ReasonDefault        Reason = "DEFAULT_EVALUATION_REASON"
	ReasonNoMatch        Reason = "NO_MATCH_EVALUATION_REASON"
	ReasonNoVariantMatch Reason = "NO_VARIANT_MATCH_EVALUATION_REASON"
)

// ErrorReason explains why an evaluation failed
type ErrorReason string

const (
	ErrorReasonFlagNotFound ErrorReason = "NOT_FOUND_ERROR_EVALUATION_REASON"
	ErrorReasonWrongType    ErrorReason = "WRONG_TYPE_ERROR_EVALUATION_REASON"
	ErrorReasonUnknown      ErrorReason = "UNKNOWN_ERROR_EVALUATION_REASON"
)

// ResultKind tags which member of a Result is populated
type ResultKind int

const (
	ResultVariant ResultKind = iota
	ResultBoolean
	ResultError
)

// String returns string representation of the kind
func (k ResultKind) String() string {
	switch k {
	case ResultVariant:
		return "VARIANT_EVALUATION_RESPONSE_TYPE"
	case ResultBoolean:
		return "BOOLEAN_EVALUATION_RESPONSE_TYPE"
	case ResultError:
		return "ERROR_EVALUATION_RESPONSE_TYPE"
	default:
		return "UNKNOWN_EVALUATION_RESPONSE_TYPE"
	}
}

// VariantResult is the outcome of evaluating a variant flag
type VariantResult struct {
	FlagKey           string
	Match             bool
	Reason            Reason
	SegmentKeys       []string
	VariantKey        string
	VariantAttachment string
}

// BooleanResult is the outcome of evaluating a boolean flag
type BooleanResult struct {
	FlagKey string
	Enabled bool
	Reason  Reason
}

// ErrorResult describes a per-request failure
type ErrorResult struct {
	FlagKey      string
	NamespaceKey string
	Reason       ErrorReason
	Message      string
}

// Result is a tagged union over the three evaluation outcomes
type Result struct {
	Kind    ResultKind
	Variant *VariantResult
	Boolean *BooleanResult
	Error   *ErrorResult
}
