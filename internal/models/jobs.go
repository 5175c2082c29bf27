package models

// Job payload contracts exchanged between the controller and the task
// workers. Payloads are immutable once enqueued; everything a worker
// produces flows back through the job result.

// SearchOptions narrows a search call.
type SearchOptions struct {
	Limit     int    `json:"limit,omitempty"`
	DateRange string `json:"date_range,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

// SearchJob asks the search worker to run one query.
type SearchJob struct {
	RunID      string        `json:"run_id"`
	Query      string        `json:"query"`
	QueryType  SourceType    `json:"query_type"`
	PillarID   string        `json:"pillar_id"`
	QuestionID string        `json:"question_id,omitempty"`
	Options    SearchOptions `json:"options,omitempty"`
}

// SearchResult carries the provisional evidence a search produced.
type SearchResult struct {
	Evidence []Evidence `json:"evidence"`
}

// AnalysisKind selects which extraction the analysis worker performs.
type AnalysisKind string

const (
	AnalysisContent          AnalysisKind = "content"
	AnalysisTechnicalProfile AnalysisKind = "technical-profile"
	AnalysisTechStack        AnalysisKind = "tech-stack"
)

// AnalysisJob asks the analysis worker to extract content from a URL.
type AnalysisJob struct {
	RunID      string         `json:"run_id"`
	EvidenceID string         `json:"evidence_id,omitempty"`
	URL        string         `json:"url"`
	Kind       AnalysisKind   `json:"kind"`
	Options    map[string]any `json:"options,omitempty"`
}

// TechProfile is the technical-profile extraction payload.
type TechProfile struct {
	PageSpeedScore float64  `json:"page_speed_score,omitempty"`
	SecurityGrade  string   `json:"security_grade,omitempty"`
	Headers        []string `json:"headers,omitempty"`
	Issues         []string `json:"issues,omitempty"`
}

// AnalysisResult carries whichever payload the requested kind produced.
type AnalysisResult struct {
	EvidenceID string       `json:"evidence_id,omitempty"`
	Kind       AnalysisKind `json:"kind"`
	Content    string       `json:"content,omitempty"`
	Profile    *TechProfile `json:"profile,omitempty"`
	TechStack  []string     `json:"tech_stack,omitempty"`
}

// QualityContext is the research context the evaluator scores against.
type QualityContext struct {
	ResearchQuestion string `json:"research_question"`
	PillarName       string `json:"pillar_name"`
	ThesisStatement  string `json:"thesis_statement"`
}

// QualityJob asks the quality worker to score one evidence item.
type QualityJob struct {
	RunID    string         `json:"run_id"`
	Evidence Evidence       `json:"evidence"`
	Context  QualityContext `json:"context"`
}

// QualityResult carries the validated score for one evidence item.
type QualityResult struct {
	EvidenceID string        `json:"evidence_id"`
	Score      *QualityScore `json:"score"`
}

// ControlJob is the controller's self-scheduled phase-advance work item.
type ControlJob struct {
	RunID string         `json:"run_id"`
	Phase Phase          `json:"phase"`
	Data  map[string]any `json:"data,omitempty"`
}
