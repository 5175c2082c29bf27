package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/collab"
	"github.com/scanforge/orchestrator/internal/metrics"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/queue"
	"github.com/scanforge/orchestrator/internal/taskerr"
)

// QualityWorker scores one evidence item through the external evaluator.
// Calls are cheap and stateless, so its queue runs the widest concurrency,
// still rate-limited to respect the evaluator's own throughput caps.
type QualityWorker struct {
	evaluator collab.EvaluatorAPI
	logger    *zap.Logger
}

// NewQualityWorker creates a quality worker.
func NewQualityWorker(evaluator collab.EvaluatorAPI, logger *zap.Logger) *QualityWorker {
	return &QualityWorker{evaluator: evaluator, logger: logger.With(zap.String("worker", "quality"))}
}

// Handle executes one QualityJob. A schema violation in the evaluator's
// response is a permanent failure; the evidence stays unscored and is
// excluded from high-quality counts downstream.
func (w *QualityWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	payload, ok := job.Payload.(*models.QualityJob)
	if !ok {
		return nil, fmt.Errorf("quality worker: unexpected payload %T", job.Payload)
	}

	score, err := w.evaluator.Evaluate(ctx, collab.EvaluationRequest{
		Evidence: payload.Evidence,
		Context:  payload.Context,
	})
	if err != nil {
		status := "failure"
		if taskerr.ClassOf(err) == taskerr.ClassSchemaValidation {
			status = "schema_invalid"
		}
		metrics.EvidenceScored.WithLabelValues(status).Inc()
		return nil, err
	}

	metrics.EvidenceScored.WithLabelValues("success").Inc()
	w.logger.Debug("Evidence scored",
		zap.String("run_id", payload.RunID),
		zap.String("evidence_id", payload.Evidence.ID),
		zap.Float64("overall", score.Overall),
	)
	return &models.QualityResult{EvidenceID: payload.Evidence.ID, Score: score}, nil
}
