package rule

// DecisionReason explica el veredicto de una evaluación.
type DecisionReason string

const (
	ReasonExplicitAllow      DecisionReason = "explicit_allow"
	ReasonExplicitDeny       DecisionReason = "explicit_deny"
	ReasonDefaultAllow       DecisionReason = "default_allow"
	ReasonDefaultDeny        DecisionReason = "default_deny"
	ReasonNotOptedIn         DecisionReason = "not_opted_in"
	ReasonContactDenied      DecisionReason = "contact_denied"
	ReasonCategoryGranted    DecisionReason = "category_granted"
	ReasonCategoryNotGranted DecisionReason = "category_not_granted"
)

// Decision is the explainable result of an evaluation.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  DecisionReason `json:"reason"`
}

func Allow(reason DecisionReason) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func Deny(reason DecisionReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}
