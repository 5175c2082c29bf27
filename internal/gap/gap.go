// Package gap decides whether a research run keeps gathering evidence or
// converges to report generation. Analyze is a pure function: identical
// input always yields identical output, so the controller can recompute the
// decision on every reflection pass without persisting gaps.
package gap

import (
	"fmt"
	"sort"

	"github.com/scanforge/orchestrator/internal/models"
)

// Thresholds carries every tunable the analysis depends on. Nothing in this
// package hardcodes a limit; the controller builds this from configuration.
type Thresholds struct {
	// HighQualityScore is the overall score an evidence item must exceed
	// (strictly) to count as high quality.
	HighQualityScore float64
	// SufficientHighQuality is the high-quality evidence count at which the
	// run converges regardless of remaining gaps.
	SufficientHighQuality int
	// MinEvidencePerPillar is the evidence count below which a pillar is
	// considered under-covered.
	MinEvidencePerPillar int
	// MinAvgQuality is the mean overall score below which a pillar's
	// evidence is considered too weak.
	MinAvgQuality float64
	// MinAvgRecency is the mean recency component below which a pillar's
	// evidence is flagged as stale.
	MinAvgRecency float64
	// MaxFollowUpsPerPillar bounds the queries emitted per pillar so one
	// reflection pass cannot fan out without limit.
	MaxFollowUpsPerPillar int
}

// Input is everything Analyze may look at.
type Input struct {
	Company        string
	Pillars        []models.Pillar
	Evidence       []models.Evidence
	ScoresByPillar map[string][]models.QualityScore
	IterationCount int
	MaxIterations  int
}

// Outcome is the reflection decision.
type Outcome struct {
	Gaps           []models.Gap
	ShouldContinue bool
	NewQueries     []models.SearchQuery
}

// ScoresByPillar groups the overall scores of scored evidence by pillar.
// Unscored evidence contributes nothing.
func ScoresByPillar(evidence []models.Evidence) map[string][]models.QualityScore {
	out := make(map[string][]models.QualityScore)
	for i := range evidence {
		if evidence[i].Quality == nil {
			continue
		}
		out[evidence[i].PillarID] = append(out[evidence[i].PillarID], *evidence[i].Quality)
	}
	return out
}

// Analyze classifies per-pillar coverage and applies the termination rules in
// priority order:
//
//  1. The iteration budget is exhausted: stop.
//  2. Enough high-quality evidence exists overall: stop.
//  3. No critical or high gaps remain: stop.
//  4. Otherwise continue, with bounded follow-up queries per gapped pillar.
//
// Gaps are reported in all cases so callers can surface coverage even when
// the run converges.
func Analyze(in Input, th Thresholds) Outcome {
	gaps := classify(in, th)

	out := Outcome{Gaps: gaps}

	if in.IterationCount >= in.MaxIterations {
		return out
	}
	if highQualityCount(in.Evidence, th.HighQualityScore) >= th.SufficientHighQuality {
		return out
	}
	if !hasUrgent(gaps) {
		return out
	}

	out.ShouldContinue = true
	for _, g := range gaps {
		if g.Importance == models.ImportanceMedium {
			continue
		}
		for _, q := range g.FollowUpQueries {
			out.NewQueries = append(out.NewQueries, models.SearchQuery{
				Query:    q,
				Type:     models.SourceWeb,
				PillarID: g.PillarID,
			})
		}
	}
	return out
}

// classify walks the pillars in order and emits at most one gap per pillar,
// the most severe condition found.
func classify(in Input, th Thresholds) []models.Gap {
	counts := make(map[string]int, len(in.Pillars))
	for i := range in.Evidence {
		counts[in.Evidence[i].PillarID]++
	}

	var gaps []models.Gap
	for _, pillar := range in.Pillars {
		count := counts[pillar.ID]
		scores := in.ScoresByPillar[pillar.ID]

		switch {
		case count == 0:
			gaps = append(gaps, models.Gap{
				PillarID:        pillar.ID,
				Type:            models.GapMissingData,
				Importance:      models.ImportanceCritical,
				Description:     fmt.Sprintf("no evidence collected for pillar %q", pillar.Name),
				FollowUpQueries: followUps(in.Company, pillar, scores, th.MaxFollowUpsPerPillar),
			})
		case count < th.MinEvidencePerPillar:
			gaps = append(gaps, models.Gap{
				PillarID:   pillar.ID,
				Type:       models.GapInsufficientEvidence,
				Importance: models.ImportanceHigh,
				Description: fmt.Sprintf("pillar %q has %d evidence items, below the minimum of %d",
					pillar.Name, count, th.MinEvidencePerPillar),
				FollowUpQueries: followUps(in.Company, pillar, scores, th.MaxFollowUpsPerPillar),
			})
		case len(scores) > 0 && mean(scores, overall) < th.MinAvgQuality:
			gaps = append(gaps, models.Gap{
				PillarID:   pillar.ID,
				Type:       models.GapInsufficientEvidence,
				Importance: models.ImportanceHigh,
				Description: fmt.Sprintf("pillar %q average quality %.2f is below %.2f",
					pillar.Name, mean(scores, overall), th.MinAvgQuality),
				FollowUpQueries: followUps(in.Company, pillar, scores, th.MaxFollowUpsPerPillar),
			})
		case len(scores) > 0 && mean(scores, recency) < th.MinAvgRecency:
			gaps = append(gaps, models.Gap{
				PillarID:   pillar.ID,
				Type:       models.GapNeedsUpdate,
				Importance: models.ImportanceMedium,
				Description: fmt.Sprintf("pillar %q evidence is stale, average recency %.2f",
					pillar.Name, mean(scores, recency)),
			})
		}
	}
	return gaps
}

// followUps derives targeted queries for a gapped pillar: the evaluator's
// suggested follow-ups first, then the pillar's own open questions, then a
// generic company+pillar probe, capped at limit. Suggestions are sorted so
// the result does not depend on evidence ordering.
func followUps(company string, pillar models.Pillar, scores []models.QualityScore, limit int) []string {
	if limit <= 0 {
		return nil
	}

	var suggested []string
	for _, s := range scores {
		suggested = append(suggested, s.SuggestedFollowUp...)
	}
	sort.Strings(suggested)

	seen := make(map[string]struct{}, limit)
	queries := make([]string, 0, limit)
	add := func(q string) {
		if q == "" || len(queries) >= limit {
			return
		}
		if _, dup := seen[q]; dup {
			return
		}
		seen[q] = struct{}{}
		queries = append(queries, q)
	}

	for _, q := range suggested {
		add(q)
	}
	for _, question := range pillar.Questions {
		add(question.Text)
	}
	add(fmt.Sprintf("%s %s", company, pillar.Name))
	return queries
}

func hasUrgent(gaps []models.Gap) bool {
	for _, g := range gaps {
		if g.Importance == models.ImportanceCritical || g.Importance == models.ImportanceHigh {
			return true
		}
	}
	return false
}

func highQualityCount(evidence []models.Evidence, threshold float64) int {
	n := 0
	for i := range evidence {
		if evidence[i].Quality.HighQuality(threshold) {
			n++
		}
	}
	return n
}

func overall(q models.QualityScore) float64 { return q.Overall }
func recency(q models.QualityScore) float64 { return q.Recency }

func mean(scores []models.QualityScore, field func(models.QualityScore) float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += field(s)
	}
	return sum / float64(len(scores))
}
