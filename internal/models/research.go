package models

import (
	"time"
)

// DepthLevel selects how many gather/reflect iterations a run may loop.
type DepthLevel string

const (
	DepthStandard   DepthLevel = "standard"
	DepthDeep       DepthLevel = "deep"
	DepthExhaustive DepthLevel = "exhaustive"
)

// Question is one research question under a pillar.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Pillar is a thematic research dimension of an investment thesis.
type Pillar struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Weight          float64    `json:"weight"`
	Questions       []Question `json:"questions"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
}

// Thesis is the interpreted research thesis a run is organized around.
type Thesis struct {
	Company   string   `json:"company"`
	Website   string   `json:"website"`
	Type      string   `json:"type"`
	Statement string   `json:"statement"`
	Pillars   []Pillar `json:"pillars"`
}

// SourceType classifies where a piece of evidence came from.
type SourceType string

const (
	SourceWeb      SourceType = "web"
	SourceNews     SourceType = "news"
	SourceAcademic SourceType = "academic"
)

// Source identifies the origin of an evidence item.
type Source struct {
	Type        SourceType `json:"type"`
	URL         string     `json:"url"`
	Name        string     `json:"name"`
	Credibility float64    `json:"credibility"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Content holds the raw and processed text of an evidence item.
type Content struct {
	Raw       string `json:"raw,omitempty"`
	Processed string `json:"processed,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// EvidenceMeta records how the evidence was obtained.
type EvidenceMeta struct {
	ExtractionMethod string  `json:"extraction_method,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// Evidence is a single sourced observation relevant to a pillar. It is
// created provisionally by the search worker, enriched by the analysis
// worker, and finalized once the quality worker attaches a score.
type Evidence struct {
	ID         string        `json:"id"`
	PillarID   string        `json:"pillar_id"`
	QuestionID string        `json:"question_id,omitempty"`
	Source     Source        `json:"source"`
	Content    Content       `json:"content"`
	Quality    *QualityScore `json:"quality,omitempty"`
	Meta       EvidenceMeta  `json:"meta,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// GapType classifies why a pillar is under-covered.
type GapType string

const (
	GapMissingData          GapType = "missing_data"
	GapInsufficientEvidence GapType = "insufficient_evidence"
	GapConflictingInfo      GapType = "conflicting_info"
	GapNeedsUpdate          GapType = "needs_update"
)

// GapImportance ranks how urgent a gap is.
type GapImportance string

const (
	ImportanceCritical GapImportance = "critical"
	ImportanceHigh     GapImportance = "high"
	ImportanceMedium   GapImportance = "medium"
)

// Gap describes missing or weak evidence for one pillar. Gaps are ephemeral:
// recomputed on every reflection pass, never persisted as authoritative state.
type Gap struct {
	PillarID        string        `json:"pillar_id"`
	Type            GapType       `json:"type"`
	Importance      GapImportance `json:"importance"`
	Description     string        `json:"description"`
	FollowUpQueries []string      `json:"follow_up_queries,omitempty"`
}

// ResearchState is the aggregate state of one research run. The controller
// is its single writer; workers only ever see copies of individual fields
// and report back through job results.
type ResearchState struct {
	RunID          string         `json:"run_id"`
	Thesis         *Thesis        `json:"thesis,omitempty"`
	Evidence       []Evidence     `json:"evidence"`
	Phase          Phase          `json:"phase"`
	IterationCount int            `json:"iteration_count"`
	MaxIterations  int            `json:"max_iterations"`
	PendingQueries []SearchQuery  `json:"pending_queries,omitempty"`
	QueuedJobs     []string       `json:"queued_jobs,omitempty"`
	Report         string         `json:"report,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SearchQuery is one query the controller wants executed in the next
// gathering phase, either from the thesis questions or from gap follow-ups.
type SearchQuery struct {
	Query      string     `json:"query"`
	Type       SourceType `json:"type"`
	PillarID   string     `json:"pillar_id"`
	QuestionID string     `json:"question_id,omitempty"`
}

// EvidenceCount returns the number of evidence items collected so far.
func (s *ResearchState) EvidenceCount() int {
	return len(s.Evidence)
}

// HighQualityCount returns how many scored evidence items clear threshold.
// Unscored items (including schema-failed evaluations) are excluded.
func (s *ResearchState) HighQualityCount(threshold float64) int {
	n := 0
	for i := range s.Evidence {
		if s.Evidence[i].Quality.HighQuality(threshold) {
			n++
		}
	}
	return n
}

// SetMeta sets a metadata key, allocating the map on first use.
func (s *ResearchState) SetMeta(key string, value any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
}
