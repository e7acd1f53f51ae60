package fliptengine

import (
	"time"

	"github.com/google/uuid"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// Internal conversion helpers

func toDomainRequest(r EvaluationRequest) domain.EvaluationRequest {
	return domain.EvaluationRequest{
		FlagKey:  r.FlagKey,
		EntityID: r.EntityID,
		Context:  r.Context,
	}
}

func toVariantResponse(r *domain.VariantResult, start time.Time) *VariantEvaluationResponse {
	segmentKeys := r.SegmentKeys
	if segmentKeys == nil {
		segmentKeys = []string{}
	}
	return &VariantEvaluationResponse{
		Match:                 r.Match,
		SegmentKeys:           segmentKeys,
		Reason:                string(r.Reason),
		FlagKey:               r.FlagKey,
		VariantKey:            r.VariantKey,
		VariantAttachment:     r.VariantAttachment,
		RequestID:             uuid.NewString(),
		RequestDurationMillis: millis(time.Since(start)),
		Timestamp:             time.Now().UTC(),
	}
}

func toBooleanResponse(r *domain.BooleanResult, start time.Time) *BooleanEvaluationResponse {
	return &BooleanEvaluationResponse{
		Enabled:               r.Enabled,
		FlagKey:               r.FlagKey,
		Reason:                string(r.Reason),
		RequestID:             uuid.NewString(),
		RequestDurationMillis: millis(time.Since(start)),
		Timestamp:             time.Now().UTC(),
	}
}

func toErrorResponse(r *domain.ErrorResult) *ErrorEvaluationResponse {
	return &ErrorEvaluationResponse{
		FlagKey:      r.FlagKey,
		NamespaceKey: r.NamespaceKey,
		Reason:       string(r.Reason),
	}
}

func toEvaluationResponse(r domain.Result, start time.Time) EvaluationResponse {
	switch r.Kind {
	case domain.ResultVariant:
		return EvaluationResponse{Type: ResponseTypeVariant, Variant: toVariantResponse(r.Variant, start)}
	case domain.ResultBoolean:
		return EvaluationResponse{Type: ResponseTypeBoolean, Boolean: toBooleanResponse(r.Boolean, start)}
	default:
		return EvaluationResponse{Type: ResponseTypeError, Error: toErrorResponse(r.Error)}
	}
}

// reason returns the reason of whichever member is set
func (r EvaluationResponse) reason() string {
	switch {
	case r.Variant != nil:
		return r.Variant.Reason
	case r.Boolean != nil:
		return r.Boolean.Reason
	case r.Error != nil:
		return r.Error.Reason
	default:
		return ""
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
