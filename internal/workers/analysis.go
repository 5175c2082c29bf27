package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/collab"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/queue"
)

// AnalysisWorker runs content extraction against a URL. Extraction is
// resource-intensive, so its queue is capped well below the search queue.
type AnalysisWorker struct {
	api    collab.ExtractionAPI
	logger *zap.Logger
}

// NewAnalysisWorker creates an analysis worker.
func NewAnalysisWorker(api collab.ExtractionAPI, logger *zap.Logger) *AnalysisWorker {
	return &AnalysisWorker{api: api, logger: logger.With(zap.String("worker", "analysis"))}
}

// Handle executes one AnalysisJob, dispatching on the requested kind.
func (w *AnalysisWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	payload, ok := job.Payload.(*models.AnalysisJob)
	if !ok {
		return nil, fmt.Errorf("analysis worker: unexpected payload %T", job.Payload)
	}

	result := &models.AnalysisResult{EvidenceID: payload.EvidenceID, Kind: payload.Kind}
	switch payload.Kind {
	case models.AnalysisContent:
		content, err := w.api.ExtractContent(ctx, payload.URL)
		if err != nil {
			return nil, err
		}
		result.Content = content
	case models.AnalysisTechnicalProfile:
		profile, err := w.api.TechnicalProfile(ctx, payload.URL)
		if err != nil {
			return nil, err
		}
		result.Profile = profile
	case models.AnalysisTechStack:
		stack, err := w.api.DetectTechStack(ctx, payload.URL)
		if err != nil {
			return nil, err
		}
		result.TechStack = stack
	default:
		return nil, fmt.Errorf("analysis worker: unknown kind %q", payload.Kind)
	}

	w.logger.Debug("Analysis settled",
		zap.String("run_id", payload.RunID),
		zap.String("url", payload.URL),
		zap.String("kind", string(payload.Kind)),
	)
	return result, nil
}

// TechnicalWorker profiles the subject company's own website (page speed,
// security posture, detected stack). It shares the extraction collaborator
// but runs on the tightly limited technical queue.
type TechnicalWorker struct {
	api    collab.ExtractionAPI
	logger *zap.Logger
}

// NewTechnicalWorker creates a technical worker.
func NewTechnicalWorker(api collab.ExtractionAPI, logger *zap.Logger) *TechnicalWorker {
	return &TechnicalWorker{api: api, logger: logger.With(zap.String("worker", "technical"))}
}

// Handle executes one technical AnalysisJob against the company website.
func (w *TechnicalWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	payload, ok := job.Payload.(*models.AnalysisJob)
	if !ok {
		return nil, fmt.Errorf("technical worker: unexpected payload %T", job.Payload)
	}

	profile, err := w.api.TechnicalProfile(ctx, payload.URL)
	if err != nil {
		return nil, err
	}
	stack, err := w.api.DetectTechStack(ctx, payload.URL)
	if err != nil {
		// The profile alone is still useful; the stack is best effort.
		w.logger.Debug("Tech stack detection failed",
			zap.String("url", payload.URL),
			zap.Error(err),
		)
	}
	return &models.AnalysisResult{
		Kind:      models.AnalysisTechnicalProfile,
		Profile:   profile,
		TechStack: stack,
	}, nil
}
