package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityScoreRecomputeDeterministic(t *testing.T) {
	q := QualityScore{
		Relevance:   0.8,
		Credibility: 0.6,
		Recency:     0.4,
		Specificity: 0.9,
		Bias:        0.5,
		Reasoning:   "solid primary source",
	}
	q.Recompute()
	first := q.Overall
	q.Recompute()
	assert.Equal(t, first, q.Overall, "overall must be deterministic given components")
	assert.InDelta(t, 0.68, q.Overall, 1e-9)
}

func TestQualityScoreValidate(t *testing.T) {
	valid := QualityScore{
		Relevance: 0.5, Credibility: 0.5, Recency: 0.5,
		Specificity: 0.5, Bias: 0.5, Overall: 0.5,
		Reasoning: "ok",
	}
	require.NoError(t, valid.Validate())

	outOfRange := valid
	outOfRange.Relevance = 1.2
	require.Error(t, outOfRange.Validate())

	negative := valid
	negative.Bias = -0.1
	require.Error(t, negative.Validate())

	noReasoning := valid
	noReasoning.Reasoning = ""
	require.Error(t, noReasoning.Validate())
}

func TestHighQualityCountExcludesUnscored(t *testing.T) {
	state := &ResearchState{
		Evidence: []Evidence{
			{ID: "a", Quality: &QualityScore{Overall: 0.9}},
			{ID: "b", Quality: &QualityScore{Overall: 0.8}}, // not strictly greater
			{ID: "c"}, // unscored: schema-failed evaluation
			{ID: "d", Quality: &QualityScore{Overall: 0.85}},
		},
	}
	assert.Equal(t, 2, state.HighQualityCount(0.8))
}
