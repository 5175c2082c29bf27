package gap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/orchestrator/internal/models"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		HighQualityScore:      0.8,
		SufficientHighQuality: 50,
		MinEvidencePerPillar:  3,
		MinAvgQuality:         0.5,
		MinAvgRecency:         0.3,
		MaxFollowUpsPerPillar: 3,
	}
}

func pillar(id, name string, questions ...string) models.Pillar {
	p := models.Pillar{ID: id, Name: name}
	for i, q := range questions {
		p.Questions = append(p.Questions, models.Question{ID: fmt.Sprintf("%s-q%d", id, i), Text: q})
	}
	return p
}

func scoredEvidence(pillarID string, overall float64) models.Evidence {
	return models.Evidence{
		ID:       fmt.Sprintf("%s-%0.2f", pillarID, overall),
		PillarID: pillarID,
		Quality: &models.QualityScore{
			Relevance: overall, Credibility: overall, Recency: overall,
			Specificity: overall, Bias: overall, Overall: overall,
			Reasoning: "synthetic",
		},
	}
}

func evidenceBatch(pillarID string, n int, overall float64) []models.Evidence {
	out := make([]models.Evidence, 0, n)
	for i := 0; i < n; i++ {
		ev := scoredEvidence(pillarID, overall)
		ev.ID = fmt.Sprintf("%s-%d", pillarID, i)
		out = append(out, ev)
	}
	return out
}

func TestExhaustedIterationBudgetStopsRegardlessOfGaps(t *testing.T) {
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("market", "Market")},
		IterationCount: 2,
		MaxIterations:  2,
	}
	out := Analyze(in, defaultThresholds())

	assert.False(t, out.ShouldContinue)
	assert.Empty(t, out.NewQueries)
	require.Len(t, out.Gaps, 1, "gaps are still reported on convergence")
	assert.Equal(t, models.ImportanceCritical, out.Gaps[0].Importance)
}

func TestZeroMaxIterationsNeverContinues(t *testing.T) {
	in := Input{
		Company: "Acme",
		Pillars: []models.Pillar{pillar("market", "Market", "What is the TAM?")},
	}
	out := Analyze(in, defaultThresholds())
	assert.False(t, out.ShouldContinue)
}

func TestSufficientHighQualityEvidenceStops(t *testing.T) {
	// One pillar saturated with high-quality items, another completely
	// empty. Sufficiency outranks the critical gap.
	evidence := evidenceBatch("tech", 50, 0.9)
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("tech", "Technology"), pillar("market", "Market")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		IterationCount: 0,
		MaxIterations:  5,
	}
	out := Analyze(in, defaultThresholds())

	assert.False(t, out.ShouldContinue)
	assert.Empty(t, out.NewQueries)
}

func TestScoreExactlyAtThresholdIsNotHighQuality(t *testing.T) {
	evidence := evidenceBatch("tech", 60, 0.8)
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("tech", "Technology"), pillar("market", "Market")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		MaxIterations:  5,
	}
	out := Analyze(in, defaultThresholds())
	assert.True(t, out.ShouldContinue, "0.8 does not clear a strictly-greater 0.8 threshold")
}

func TestNoUrgentGapsStops(t *testing.T) {
	evidence := evidenceBatch("market", 5, 0.6)
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("market", "Market")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		MaxIterations:  5,
	}
	out := Analyze(in, defaultThresholds())

	assert.False(t, out.ShouldContinue)
	assert.Empty(t, out.Gaps)
}

func TestStaleEvidenceIsMediumAndDoesNotContinue(t *testing.T) {
	evidence := evidenceBatch("market", 5, 0.6)
	for i := range evidence {
		evidence[i].Quality.Recency = 0.1
	}
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("market", "Market")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		MaxIterations:  5,
	}
	out := Analyze(in, defaultThresholds())

	require.Len(t, out.Gaps, 1)
	assert.Equal(t, models.GapNeedsUpdate, out.Gaps[0].Type)
	assert.Equal(t, models.ImportanceMedium, out.Gaps[0].Importance)
	assert.False(t, out.ShouldContinue, "medium gaps alone never drive another iteration")
}

func TestContinueEmitsBoundedFollowUps(t *testing.T) {
	in := Input{
		Company: "Acme",
		Pillars: []models.Pillar{pillar("market", "Market",
			"What is the TAM?", "Who are the top competitors?", "What is the pricing model?",
			"What is the churn rate?", "How concentrated is the customer base?")},
		MaxIterations: 2,
	}
	th := defaultThresholds()
	out := Analyze(in, th)

	require.True(t, out.ShouldContinue)
	assert.Len(t, out.NewQueries, th.MaxFollowUpsPerPillar)
	for _, q := range out.NewQueries {
		assert.Equal(t, "market", q.PillarID)
	}
}

func TestFollowUpsPreferEvaluatorSuggestions(t *testing.T) {
	ev := scoredEvidence("market", 0.3)
	ev.Quality.SuggestedFollowUp = []string{"Acme net revenue retention"}
	evidence := append(evidenceBatch("market", 4, 0.3), ev)
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("market", "Market", "What is the TAM?")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		MaxIterations:  3,
	}
	out := Analyze(in, defaultThresholds())

	require.True(t, out.ShouldContinue)
	require.NotEmpty(t, out.NewQueries)
	assert.Equal(t, "Acme net revenue retention", out.NewQueries[0].Query)
}

func TestUnscoredEvidenceCountsForCoverageNotQuality(t *testing.T) {
	// 50 unscored items must not satisfy the high-quality sufficiency rule.
	evidence := make([]models.Evidence, 50)
	for i := range evidence {
		evidence[i] = models.Evidence{ID: fmt.Sprintf("ev-%d", i), PillarID: "market"}
	}
	in := Input{
		Company:        "Acme",
		Pillars:        []models.Pillar{pillar("market", "Market")},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		MaxIterations:  5,
	}
	out := Analyze(in, defaultThresholds())

	assert.False(t, out.ShouldContinue)
	assert.Empty(t, out.Gaps, "coverage counting includes unscored items")
}

func TestAnalyzeIsPure(t *testing.T) {
	evidence := append(evidenceBatch("tech", 2, 0.4), evidenceBatch("market", 1, 0.9)...)
	in := Input{
		Company: "Acme",
		Pillars: []models.Pillar{
			pillar("tech", "Technology", "What is the architecture?"),
			pillar("market", "Market", "What is the TAM?"),
		},
		Evidence:       evidence,
		ScoresByPillar: ScoresByPillar(evidence),
		IterationCount: 1,
		MaxIterations:  3,
	}

	first := Analyze(in, defaultThresholds())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Analyze(in, defaultThresholds()))
	}
}
