// Package collab defines the external collaborators the engine depends on
// (search, content extraction, evaluation, thesis interpretation, report
// composition) and their HTTP implementations. Responses are untrusted
// input: decoded strictly and validated before anything reaches the run
// state.
package collab

import (
	"context"
	"time"

	"github.com/scanforge/orchestrator/internal/models"
)

// SearchRequest is one query against the search collaborator.
type SearchRequest struct {
	Query     string
	QueryType models.SourceType
	Limit     int
	DateRange string
	Domain    string
}

// SearchHit is one ranked result from the search collaborator.
type SearchHit struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// SearchAPI turns a query into ranked hits.
type SearchAPI interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)
}

// ExtractionAPI extracts content or technical facts from a URL.
type ExtractionAPI interface {
	ExtractContent(ctx context.Context, url string) (string, error)
	TechnicalProfile(ctx context.Context, url string) (*models.TechProfile, error)
	DetectTechStack(ctx context.Context, url string) ([]string, error)
}

// EvaluationRequest pairs one evidence item with its research context.
type EvaluationRequest struct {
	Evidence models.Evidence
	Context  models.QualityContext
}

// EvaluatorAPI scores evidence. Implementations must return a
// taskerr.SchemaValidation error when the response violates the
// QualityScore schema; that failure class is never retried.
type EvaluatorAPI interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*models.QualityScore, error)
}

// ThesisInterpreter turns company/website/thesis-type into a pillar
// structure.
type ThesisInterpreter interface {
	Interpret(ctx context.Context, company, website, thesisType string) (*models.Thesis, error)
}

// ReportComposer renders the final report from a completed research state.
type ReportComposer interface {
	Compose(ctx context.Context, state *models.ResearchState) (string, error)
}
