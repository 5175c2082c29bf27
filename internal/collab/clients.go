package collab

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/retry"
	"github.com/scanforge/orchestrator/internal/taskerr"
)

// --- Search ---

type httpSearch struct{ *httpClient }

// NewHTTPSearch creates the search collaborator client.
func NewHTTPSearch(cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (SearchAPI, error) {
	c, err := newHTTPClient("search", cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	return &httpSearch{c}, nil
}

type searchRequestBody struct {
	Query     string `json:"query"`
	QueryType string `json:"query_type"`
	Limit     int    `json:"limit,omitempty"`
	DateRange string `json:"date_range,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

type searchResponseBody struct {
	Hits []SearchHit `json:"hits"`
}

func (s *httpSearch) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	body := searchRequestBody{
		Query:     req.Query,
		QueryType: string(req.QueryType),
		Limit:     req.Limit,
		DateRange: req.DateRange,
		Domain:    req.Domain,
	}
	var resp searchResponseBody
	if err := s.postJSON(ctx, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// --- Extraction ---

type httpExtraction struct{ *httpClient }

// NewHTTPExtraction creates the content extraction collaborator client.
func NewHTTPExtraction(cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (ExtractionAPI, error) {
	c, err := newHTTPClient("extraction", cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	return &httpExtraction{c}, nil
}

type extractRequestBody struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type extractResponseBody struct {
	Content   string              `json:"content,omitempty"`
	Profile   *models.TechProfile `json:"profile,omitempty"`
	TechStack []string            `json:"tech_stack,omitempty"`
}

func (e *httpExtraction) ExtractContent(ctx context.Context, url string) (string, error) {
	var resp extractResponseBody
	if err := e.postJSON(ctx, "/v1/extract", extractRequestBody{URL: url, Kind: string(models.AnalysisContent)}, &resp); err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", taskerr.SchemaValidation("extraction/v1/extract", fmt.Errorf("empty content for %s", url))
	}
	return resp.Content, nil
}

func (e *httpExtraction) TechnicalProfile(ctx context.Context, url string) (*models.TechProfile, error) {
	var resp extractResponseBody
	if err := e.postJSON(ctx, "/v1/extract", extractRequestBody{URL: url, Kind: string(models.AnalysisTechnicalProfile)}, &resp); err != nil {
		return nil, err
	}
	if resp.Profile == nil {
		return nil, taskerr.SchemaValidation("extraction/v1/extract", fmt.Errorf("missing technical profile for %s", url))
	}
	return resp.Profile, nil
}

func (e *httpExtraction) DetectTechStack(ctx context.Context, url string) ([]string, error) {
	var resp extractResponseBody
	if err := e.postJSON(ctx, "/v1/extract", extractRequestBody{URL: url, Kind: string(models.AnalysisTechStack)}, &resp); err != nil {
		return nil, err
	}
	return resp.TechStack, nil
}

// --- Evaluator ---

type httpEvaluator struct{ *httpClient }

// NewHTTPEvaluator creates the quality evaluator client.
func NewHTTPEvaluator(cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (EvaluatorAPI, error) {
	c, err := newHTTPClient("evaluator", cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	return &httpEvaluator{c}, nil
}

type evaluateRequestBody struct {
	EvidenceID       string `json:"evidence_id"`
	Content          string `json:"content"`
	SourceURL        string `json:"source_url"`
	SourceType       string `json:"source_type"`
	ResearchQuestion string `json:"research_question"`
	PillarName       string `json:"pillar_name"`
	ThesisStatement  string `json:"thesis_statement"`
}

func (q *httpEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*models.QualityScore, error) {
	content := req.Evidence.Content.Processed
	if content == "" {
		content = req.Evidence.Content.Raw
	}
	body := evaluateRequestBody{
		EvidenceID:       req.Evidence.ID,
		Content:          content,
		SourceURL:        req.Evidence.Source.URL,
		SourceType:       string(req.Evidence.Source.Type),
		ResearchQuestion: req.Context.ResearchQuestion,
		PillarName:       req.Context.PillarName,
		ThesisStatement:  req.Context.ThesisStatement,
	}

	var score models.QualityScore
	if err := q.postJSON(ctx, "/v1/evaluate", body, &score); err != nil {
		return nil, err
	}
	// The evaluator's output is untrusted; a schema violation is permanent,
	// never coerced into a usable score.
	if err := score.Validate(); err != nil {
		return nil, taskerr.SchemaValidation("evaluator/v1/evaluate", err)
	}
	// Overall is a deterministic weighted aggregate of the components; the
	// reported value is discarded and derived locally.
	score.Recompute()
	return &score, nil
}

// --- Thesis interpreter ---

type httpInterpreter struct{ *httpClient }

// NewHTTPInterpreter creates the thesis interpretation client.
func NewHTTPInterpreter(cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (ThesisInterpreter, error) {
	c, err := newHTTPClient("interpreter", cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	return &httpInterpreter{c}, nil
}

type interpretRequestBody struct {
	Company    string `json:"company"`
	Website    string `json:"website"`
	ThesisType string `json:"thesis_type"`
}

func (t *httpInterpreter) Interpret(ctx context.Context, company, website, thesisType string) (*models.Thesis, error) {
	var thesis models.Thesis
	body := interpretRequestBody{Company: company, Website: website, ThesisType: thesisType}
	if err := t.postJSON(ctx, "/v1/interpret", body, &thesis); err != nil {
		return nil, err
	}
	if len(thesis.Pillars) == 0 {
		return nil, taskerr.SchemaValidation("interpreter/v1/interpret", fmt.Errorf("thesis has no pillars"))
	}
	return &thesis, nil
}

// --- Report composer ---

type httpComposer struct{ *httpClient }

// NewHTTPComposer creates the report composer client.
func NewHTTPComposer(cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (ReportComposer, error) {
	c, err := newHTTPClient("composer", cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	return &httpComposer{c}, nil
}

type composeResponseBody struct {
	Report string `json:"report"`
}

func (r *httpComposer) Compose(ctx context.Context, state *models.ResearchState) (string, error) {
	var resp composeResponseBody
	if err := r.postJSON(ctx, "/v1/compose", state, &resp); err != nil {
		return "", err
	}
	if resp.Report == "" {
		return "", taskerr.SchemaValidation("composer/v1/compose", fmt.Errorf("empty report"))
	}
	return resp.Report, nil
}
