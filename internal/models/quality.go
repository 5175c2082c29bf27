package models

import "fmt"

// Component weights for the overall quality score. The overall value is a
// deterministic weighted aggregate of the five components.
const (
	weightRelevance   = 0.30
	weightCredibility = 0.25
	weightRecency     = 0.15
	weightSpecificity = 0.20
	weightBias        = 0.10
)

// QualityScore is the evaluator's five-component rating of one evidence item.
// Every component and the overall value must lie in [0,1].
type QualityScore struct {
	Relevance   float64 `json:"relevance"`
	Credibility float64 `json:"credibility"`
	Recency     float64 `json:"recency"`
	Specificity float64 `json:"specificity"`
	Bias        float64 `json:"bias"`
	Overall     float64 `json:"overall"`

	Reasoning          string   `json:"reasoning"`
	MissingInformation []string `json:"missing_information,omitempty"`
	SuggestedFollowUp  []string `json:"suggested_follow_up,omitempty"`
}

// Recompute sets Overall from the components using the fixed weights.
func (q *QualityScore) Recompute() {
	q.Overall = q.Relevance*weightRelevance +
		q.Credibility*weightCredibility +
		q.Recency*weightRecency +
		q.Specificity*weightSpecificity +
		q.Bias*weightBias
}

// Validate checks the schema contract for evaluator responses: all components
// in [0,1] and a non-empty reasoning string. It does not repair values; a
// violation is a permanent schema failure, not something to coerce.
func (q *QualityScore) Validate() error {
	components := map[string]float64{
		"relevance":   q.Relevance,
		"credibility": q.Credibility,
		"recency":     q.Recency,
		"specificity": q.Specificity,
		"bias":        q.Bias,
		"overall":     q.Overall,
	}
	for name, v := range components {
		if v < 0 || v > 1 {
			return fmt.Errorf("quality score component %q out of range: %v", name, v)
		}
	}
	if q.Reasoning == "" {
		return fmt.Errorf("quality score missing reasoning")
	}
	return nil
}

// HighQuality reports whether the score clears the given overall threshold.
func (q *QualityScore) HighQuality(threshold float64) bool {
	return q != nil && q.Overall > threshold
}
