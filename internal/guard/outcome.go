package guard

import "github.com/studyforge/studyforge/pkg/models"

// OutcomeKind discriminates the result of a generation request.
type OutcomeKind string

const (
	// OutcomeSuccess means the upstream service was invoked and exactly
	// one credit was consumed.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeCacheHit means an identical recent request was answered
	// from the response cache. No credit is consumed.
	OutcomeCacheHit OutcomeKind = "cache_hit"

	// OutcomeBusy means another generation is already in flight for the
	// same user. The caller owns the retry decision.
	OutcomeBusy OutcomeKind = "busy"

	// OutcomeQuotaExceeded means the user has no credits remaining and
	// the request was rejected before invoking the upstream service.
	OutcomeQuotaExceeded OutcomeKind = "quota_exceeded"

	// OutcomeFailed means the request did not produce usable content.
	// No credit is consumed.
	OutcomeFailed OutcomeKind = "failed"
)

// FailReason distinguishes failure causes for callers and logs.
type FailReason string

const (
	ReasonInvalidInput     FailReason = "invalid_input"
	ReasonStoreUnavailable FailReason = "store_unavailable"
	ReasonUpstreamError    FailReason = "upstream_error"
	ReasonTimeout          FailReason = "timeout"
	ReasonMalformedOutput  FailReason = "malformed_output"
)

// Outcome is the result of Guard.RequestGeneration. Exactly one of the
// five kinds is set; Materials is populated for Success and CacheHit,
// CreditsRemaining for Success and QuotaExceeded, Reason for Failed.
type Outcome struct {
	Kind             OutcomeKind           `json:"kind"`
	Materials        models.StudyMaterials `json:"materials,omitempty"`
	CreditsRemaining int                   `json:"credits_remaining,omitempty"`
	Reason           FailReason            `json:"reason,omitempty"`
	Message          string                `json:"message,omitempty"`
}

func successOutcome(m models.StudyMaterials, creditsRemaining int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Materials: m, CreditsRemaining: creditsRemaining}
}

func cacheHitOutcome(m models.StudyMaterials) Outcome {
	return Outcome{Kind: OutcomeCacheHit, Materials: m}
}

func busyOutcome() Outcome {
	return Outcome{
		Kind:    OutcomeBusy,
		Message: "another generation is already in progress for this user",
	}
}

func quotaExceededOutcome() Outcome {
	return Outcome{
		Kind:    OutcomeQuotaExceeded,
		Message: "no generation credits remaining",
	}
}

func failedOutcome(reason FailReason, message string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Message: message}
}
