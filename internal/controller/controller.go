// Package controller drives the research run state machine. It is the single
// writer of ResearchState: workers report results through job settlement and
// the controller folds them in between phases. Phase-advance work is itself
// scheduled as control jobs on the orchestration queue, so every step of a
// run executes inside the same queue fabric it manages.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/collab"
	"github.com/scanforge/orchestrator/internal/flow"
	"github.com/scanforge/orchestrator/internal/gap"
	"github.com/scanforge/orchestrator/internal/metrics"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/queue"
	"github.com/scanforge/orchestrator/internal/state"
	"github.com/scanforge/orchestrator/internal/streaming"
	"github.com/scanforge/orchestrator/internal/taskerr"
)

// Queue names of the fabric. Limits are configured per name; the names
// themselves are part of the wiring contract between the controller and
// main.
const (
	QueueOrchestration = "orchestration"
	QueueSearch        = "search"
	QueueAnalysis      = "analysis"
	QueueQuality       = "quality"
	QueueTechnical     = "technical"
)

// Archiver receives terminal runs for durable storage.
type Archiver interface {
	ArchiveRun(st *models.ResearchState, callback func(error))
}

// Options carries every tunable the controller consumes. Nothing here is
// hardcoded downstream; main builds this from configuration.
type Options struct {
	// DepthIterations maps research depth to the iteration budget.
	DepthIterations map[models.DepthLevel]int
	// Thresholds parameterize the gap analyzer.
	Thresholds gap.Thresholds
	// SearchResultLimit caps hits per search query.
	SearchResultLimit int
}

// RunStatus is the external view of a run.
type RunStatus struct {
	RunID          string    `json:"run_id"`
	Company        string    `json:"company"`
	Phase          string    `json:"phase"`
	Progress       int       `json:"progress"`
	EvidenceCount  int       `json:"evidence_count"`
	IterationCount int       `json:"iteration_count"`
	MaxIterations  int       `json:"max_iterations"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StartRequest is the start-run input.
type StartRequest struct {
	Company    string
	Website    string
	ThesisType string
	Depth      models.DepthLevel
	// MaxIterations, when non-nil, overrides the depth mapping.
	MaxIterations *int
}

// Controller sequences research runs.
type Controller struct {
	mgr         *queue.Manager
	flow        *flow.Builder
	store       state.Store
	archive     Archiver
	bus         *streaming.Bus
	interpreter collab.ThesisInterpreter
	composer    collab.ReportComposer
	opts        Options
	logger      *zap.Logger

	mu        sync.RWMutex
	inPhase   map[string]float64 // fractional in-phase completion, 0..1
	startedAt map[string]time.Time
}

// New wires a controller onto an existing queue fabric. The orchestration
// queue is registered here; worker queues are registered by main.
func New(mgr *queue.Manager, fb *flow.Builder, store state.Store, archive Archiver,
	bus *streaming.Bus, interpreter collab.ThesisInterpreter, composer collab.ReportComposer,
	opts Options, logger *zap.Logger) *Controller {
	if opts.DepthIterations == nil {
		opts.DepthIterations = map[models.DepthLevel]int{
			models.DepthStandard:   2,
			models.DepthDeep:       3,
			models.DepthExhaustive: 5,
		}
	}
	if opts.SearchResultLimit <= 0 {
		opts.SearchResultLimit = 10
	}
	return &Controller{
		mgr:         mgr,
		flow:        fb,
		store:       store,
		archive:     archive,
		bus:         bus,
		interpreter: interpreter,
		composer:    composer,
		opts:        opts,
		logger:      logger.With(zap.String("component", "controller")),
		inPhase:     make(map[string]float64),
		startedAt:   make(map[string]time.Time),
	}
}

// RegisterControlQueue registers the orchestration queue with the given
// limits and the controller as its handler.
func (c *Controller) RegisterControlQueue(cfg queue.Config) error {
	cfg.Name = QueueOrchestration
	return c.mgr.Register(cfg, c.HandleControl)
}

// StartRun creates a run, persists its initial state, and schedules the
// first phase step. It returns as soon as the run is accepted.
func (c *Controller) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.Company == "" {
		return "", fmt.Errorf("company is required")
	}
	maxIterations, ok := c.opts.DepthIterations[req.Depth]
	if !ok {
		maxIterations = c.opts.DepthIterations[models.DepthStandard]
	}
	if req.MaxIterations != nil {
		if *req.MaxIterations < 0 {
			return "", fmt.Errorf("max_iterations must be >= 0")
		}
		maxIterations = *req.MaxIterations
	}

	now := time.Now().UTC()
	st := &models.ResearchState{
		RunID:         uuid.New().String(),
		Phase:         models.PhaseInterpretingThesis,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	st.SetMeta("company", req.Company)
	st.SetMeta("website", req.Website)
	st.SetMeta("thesis_type", req.ThesisType)

	if err := c.store.Save(ctx, st); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	c.mu.Lock()
	c.startedAt[st.RunID] = now
	c.mu.Unlock()

	if err := c.scheduleStep(ctx, st.RunID, st.Phase); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	metrics.RunsStarted.Inc()
	c.logger.Info("Run started",
		zap.String("run_id", st.RunID),
		zap.String("company", req.Company),
		zap.Int("max_iterations", maxIterations),
	)
	return st.RunID, nil
}

// Status reports the phase-weighted progress of a run.
func (c *Controller) Status(ctx context.Context, runID string) (*RunStatus, error) {
	st, err := c.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	inPhase := c.inPhase[runID]
	c.mu.RUnlock()

	company, _ := st.Metadata["company"].(string)
	if st.Thesis != nil {
		company = st.Thesis.Company
	}
	return &RunStatus{
		RunID:          st.RunID,
		Company:        company,
		Phase:          string(st.Phase),
		Progress:       int(models.Progress(st.Phase, inPhase)),
		EvidenceCount:  st.EvidenceCount(),
		IterationCount: st.IterationCount,
		MaxIterations:  st.MaxIterations,
		UpdatedAt:      st.UpdatedAt,
	}, nil
}

// List returns the status of every known run.
func (c *Controller) List(ctx context.Context) ([]*RunStatus, error) {
	ids, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*RunStatus, 0, len(ids))
	for _, id := range ids {
		status, err := c.Status(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

// HandleControl executes one phase step. It is the handler of the
// orchestration queue; each step schedules the next one before returning,
// so a run never has more than one control job outstanding.
func (c *Controller) HandleControl(ctx context.Context, job *queue.Job) (any, error) {
	payload, ok := job.Payload.(*models.ControlJob)
	if !ok {
		return nil, fmt.Errorf("controller: unexpected payload %T", job.Payload)
	}

	st, err := c.store.Load(ctx, payload.RunID)
	if err != nil {
		return nil, fmt.Errorf("controller: load run %s: %w", payload.RunID, err)
	}
	if st.Phase.IsTerminal() {
		// A stale step for a finished run; nothing to do.
		return nil, nil
	}
	if st.Phase != payload.Phase {
		return nil, fmt.Errorf("controller: run %s is in %s, step expected %s",
			st.RunID, st.Phase, payload.Phase)
	}

	switch st.Phase {
	case models.PhaseInterpretingThesis:
		err = c.stepInterpret(ctx, st)
	case models.PhaseGatheringEvidence:
		err = c.stepGather(ctx, st)
	case models.PhaseEvaluatingQuality:
		err = c.stepEvaluate(ctx, st)
	case models.PhaseReflecting:
		err = c.stepReflect(ctx, st)
	case models.PhaseGeneratingReport:
		err = c.stepReport(ctx, st)
	default:
		err = fmt.Errorf("controller: no step for phase %s", st.Phase)
	}
	if err != nil {
		c.failRun(ctx, st, err)
		return nil, err
	}
	return nil, nil
}

// stepInterpret calls the thesis interpreter and seeds the first gathering
// pass from the pillar questions.
func (c *Controller) stepInterpret(ctx context.Context, st *models.ResearchState) error {
	company, _ := st.Metadata["company"].(string)
	website, _ := st.Metadata["website"].(string)
	thesisType, _ := st.Metadata["thesis_type"].(string)

	thesis, err := c.interpreter.Interpret(ctx, company, website, thesisType)
	if err != nil {
		return fmt.Errorf("interpret thesis: %w", err)
	}
	st.Thesis = thesis
	st.PendingQueries = queriesFromPillars(thesis.Pillars)

	if err := c.advance(ctx, st, models.PhaseGatheringEvidence); err != nil {
		return err
	}
	return c.scheduleStep(ctx, st.RunID, st.Phase)
}

// stepGather fans out one search job per pending query and folds the
// provisional evidence in, deduplicating by URL. Failed children cost
// evidence yield, nothing more.
func (c *Controller) stepGather(ctx context.Context, st *models.ResearchState) error {
	queries := st.PendingQueries
	st.PendingQueries = nil

	specs := make([]flow.ChildSpec, 0, len(queries))
	for _, q := range queries {
		specs = append(specs, flow.ChildSpec{
			Queue: QueueSearch,
			Type:  "search",
			Payload: &models.SearchJob{
				RunID:      st.RunID,
				Query:      q.Query,
				QueryType:  q.Type,
				PillarID:   q.PillarID,
				QuestionID: q.QuestionID,
				Options:    models.SearchOptions{Limit: c.opts.SearchResultLimit},
			},
			Priority: queue.PriorityNormal,
		})
	}

	results := c.flow.FanOut(ctx, st.RunID, nil, specs, c.phaseProgress(st.RunID))

	seen := seenURLs(st.Evidence)
	added := 0
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		sr, ok := res.Payload.(*models.SearchResult)
		if !ok {
			continue
		}
		for _, ev := range sr.Evidence {
			if _, dup := seen[ev.Source.URL]; dup {
				continue
			}
			seen[ev.Source.URL] = struct{}{}
			st.Evidence = append(st.Evidence, ev)
			added++
		}
	}
	if added > 0 {
		c.publish(st.RunID, streaming.Event{
			Type:    streaming.TypeEvidenceAdded,
			Message: fmt.Sprintf("%d evidence items added", added),
		})
	}
	c.logger.Info("Gathering settled",
		zap.String("run_id", st.RunID),
		zap.Int("queries", len(queries)),
		zap.Int("evidence_added", added),
	)

	if err := c.advance(ctx, st, models.PhaseEvaluatingQuality); err != nil {
		return err
	}
	return c.scheduleStep(ctx, st.RunID, st.Phase)
}

// stepEvaluate enriches the current batch with extracted content, scores
// every unscored item, and on the first pass probes the company website on
// the technical queue.
func (c *Controller) stepEvaluate(ctx context.Context, st *models.ResearchState) error {
	c.enrichContent(ctx, st)
	c.scoreEvidence(ctx, st)
	c.probeTechnical(ctx, st)

	if err := c.advance(ctx, st, models.PhaseReflecting); err != nil {
		return err
	}
	return c.scheduleStep(ctx, st.RunID, st.Phase)
}

// enrichContent fans out content extraction for evidence that only carries
// a search snippet.
func (c *Controller) enrichContent(ctx context.Context, st *models.ResearchState) {
	index := make(map[string]int)
	var specs []flow.ChildSpec
	for i := range st.Evidence {
		ev := &st.Evidence[i]
		if ev.Content.Processed != "" || ev.Source.URL == "" {
			continue
		}
		index[ev.ID] = i
		specs = append(specs, flow.ChildSpec{
			Queue: QueueAnalysis,
			Type:  "analysis",
			Payload: &models.AnalysisJob{
				RunID:      st.RunID,
				EvidenceID: ev.ID,
				URL:        ev.Source.URL,
				Kind:       models.AnalysisContent,
			},
			Priority: queue.PriorityNormal,
		})
	}
	if len(specs) == 0 {
		return
	}

	results := c.flow.FanOut(ctx, st.RunID, nil, specs, c.phaseProgress(st.RunID))
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		ar, ok := res.Payload.(*models.AnalysisResult)
		if !ok || ar.Content == "" {
			continue
		}
		if i, ok := index[ar.EvidenceID]; ok {
			st.Evidence[i].Content.Processed = ar.Content
			st.Evidence[i].Meta.ExtractionMethod = "content_extraction"
		}
	}
}

// scoreEvidence fans out quality jobs for unscored evidence and attaches
// the returned scores. Schema failures leave items unscored.
func (c *Controller) scoreEvidence(ctx context.Context, st *models.ResearchState) {
	pillarNames := make(map[string]string)
	questionTexts := make(map[string]string)
	thesisStatement := ""
	if st.Thesis != nil {
		thesisStatement = st.Thesis.Statement
		for _, p := range st.Thesis.Pillars {
			pillarNames[p.ID] = p.Name
			for _, q := range p.Questions {
				questionTexts[q.ID] = q.Text
			}
		}
	}

	index := make(map[string]int)
	var specs []flow.ChildSpec
	for i := range st.Evidence {
		ev := &st.Evidence[i]
		if ev.Quality != nil {
			continue
		}
		index[ev.ID] = i
		specs = append(specs, flow.ChildSpec{
			Queue: QueueQuality,
			Type:  "quality",
			Payload: &models.QualityJob{
				RunID:    st.RunID,
				Evidence: *ev,
				Context: models.QualityContext{
					ResearchQuestion: questionTexts[ev.QuestionID],
					PillarName:       pillarNames[ev.PillarID],
					ThesisStatement:  thesisStatement,
				},
			},
			Priority: queue.PriorityNormal,
		})
	}
	if len(specs) == 0 {
		return
	}

	results := c.flow.FanOut(ctx, st.RunID, nil, specs, c.phaseProgress(st.RunID))
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		qr, ok := res.Payload.(*models.QualityResult)
		if !ok || qr.Score == nil {
			continue
		}
		if i, ok := index[qr.EvidenceID]; ok {
			st.Evidence[i].Quality = qr.Score
		}
	}
}

// probeTechnical runs the company-website probe once per run, on the
// technical queue. The probe is best effort; its outcome lands in metadata.
func (c *Controller) probeTechnical(ctx context.Context, st *models.ResearchState) {
	website, _ := st.Metadata["website"].(string)
	if website == "" {
		return
	}
	if _, done := st.Metadata["technical_profile"]; done {
		return
	}

	results := c.flow.FanOut(ctx, st.RunID, nil, []flow.ChildSpec{{
		Queue: QueueTechnical,
		Type:  "technical",
		Payload: &models.AnalysisJob{
			RunID: st.RunID,
			URL:   website,
			Kind:  models.AnalysisTechnicalProfile,
		},
		Priority: queue.PriorityHigh,
	}}, nil)

	if results[0].Err != nil {
		c.logger.Warn("Technical probe failed",
			zap.String("run_id", st.RunID),
			zap.Error(results[0].Err),
		)
		return
	}
	if ar, ok := results[0].Payload.(*models.AnalysisResult); ok {
		st.SetMeta("technical_profile", ar.Profile)
		if len(ar.TechStack) > 0 {
			st.SetMeta("tech_stack", ar.TechStack)
		}
	}
}

// stepReflect runs the gap analyzer and either loops back to gathering with
// the follow-up queries or converges to report generation. The iteration
// count increments only on loop-back, so it never exceeds the budget.
func (c *Controller) stepReflect(ctx context.Context, st *models.ResearchState) error {
	var pillars []models.Pillar
	company := ""
	if st.Thesis != nil {
		pillars = st.Thesis.Pillars
		company = st.Thesis.Company
	}

	outcome := gap.Analyze(gap.Input{
		Company:        company,
		Pillars:        pillars,
		Evidence:       st.Evidence,
		ScoresByPillar: gap.ScoresByPillar(st.Evidence),
		IterationCount: st.IterationCount,
		MaxIterations:  st.MaxIterations,
	}, c.opts.Thresholds)

	c.publish(st.RunID, streaming.Event{
		Type: streaming.TypeReflectionDone,
		Message: fmt.Sprintf("gaps=%d continue=%v new_queries=%d",
			len(outcome.Gaps), outcome.ShouldContinue, len(outcome.NewQueries)),
	})
	c.logger.Info("Reflection settled",
		zap.String("run_id", st.RunID),
		zap.Int("iteration", st.IterationCount),
		zap.Int("gaps", len(outcome.Gaps)),
		zap.Bool("continue", outcome.ShouldContinue),
	)

	if outcome.ShouldContinue {
		st.IterationCount++
		st.PendingQueries = outcome.NewQueries
		if err := c.advance(ctx, st, models.PhaseGatheringEvidence); err != nil {
			return err
		}
	} else {
		if err := c.advance(ctx, st, models.PhaseGeneratingReport); err != nil {
			return err
		}
	}
	return c.scheduleStep(ctx, st.RunID, st.Phase)
}

// stepReport delegates to the report composer and completes the run.
func (c *Controller) stepReport(ctx context.Context, st *models.ResearchState) error {
	report, err := c.composer.Compose(ctx, st)
	if err != nil {
		return fmt.Errorf("compose report: %w", err)
	}
	st.Report = report

	if err := c.advance(ctx, st, models.PhaseCompleted); err != nil {
		return err
	}
	c.finishRun(st, "completed")
	c.publish(st.RunID, streaming.Event{
		Type:    streaming.TypeRunCompleted,
		Message: fmt.Sprintf("evidence=%d iterations=%d", st.EvidenceCount(), st.IterationCount),
	})
	c.logger.Info("Run completed",
		zap.String("run_id", st.RunID),
		zap.Int("evidence", st.EvidenceCount()),
		zap.Int("iterations", st.IterationCount),
	)
	return nil
}

// failRun moves the run to failed, preserving the cause in metadata. Only
// step-level errors reach here; individual job failures never do.
func (c *Controller) failRun(ctx context.Context, st *models.ResearchState, cause error) {
	st.SetMeta("error", cause.Error())
	st.SetMeta("error_class", taskerr.ClassOf(cause).String())
	if err := c.advance(ctx, st, models.PhaseFailed); err != nil {
		c.logger.Error("Failed to record run failure",
			zap.String("run_id", st.RunID),
			zap.Error(err),
		)
		return
	}
	c.finishRun(st, "failed")
	c.publish(st.RunID, streaming.Event{
		Type:    streaming.TypeRunFailed,
		Message: cause.Error(),
	})
	c.logger.Error("Run failed",
		zap.String("run_id", st.RunID),
		zap.String("class", taskerr.ClassOf(cause).String()),
		zap.Error(cause),
	)
}

// advance validates and applies a phase transition, then persists the state.
func (c *Controller) advance(ctx context.Context, st *models.ResearchState, to models.Phase) error {
	if !models.CanTransition(st.Phase, to) {
		return fmt.Errorf("invalid transition %s -> %s for run %s", st.Phase, to, st.RunID)
	}
	from := st.Phase
	st.Phase = to
	st.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	c.inPhase[st.RunID] = 0
	c.mu.Unlock()

	if err := c.store.Save(ctx, st); err != nil {
		return fmt.Errorf("persist run %s: %w", st.RunID, err)
	}

	metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	c.publish(st.RunID, streaming.Event{
		Type:  streaming.TypePhaseChanged,
		Phase: string(to),
	})
	return nil
}

// finishRun records terminal metrics and hands the run to the archiver.
func (c *Controller) finishRun(st *models.ResearchState, status string) {
	c.mu.Lock()
	started, ok := c.startedAt[st.RunID]
	delete(c.startedAt, st.RunID)
	delete(c.inPhase, st.RunID)
	c.mu.Unlock()

	duration := 0.0
	if ok {
		duration = time.Since(started).Seconds()
	}
	metrics.RecordRunTerminal(status, duration, st.IterationCount)

	if c.archive != nil {
		c.archive.ArchiveRun(st, nil)
	}
}

// scheduleStep enqueues the control job for the run's current phase.
func (c *Controller) scheduleStep(ctx context.Context, runID string, phase models.Phase) error {
	_, err := c.mgr.Enqueue(ctx, QueueOrchestration, "control", runID,
		&models.ControlJob{RunID: runID, Phase: phase}, queue.PriorityHigh)
	if err != nil {
		return fmt.Errorf("schedule %s step for run %s: %w", phase, runID, err)
	}
	return nil
}

// phaseProgress returns a join-progress callback that tracks fractional
// in-phase completion for status reporting.
func (c *Controller) phaseProgress(runID string) func(settled, total int) {
	return func(settled, total int) {
		if total == 0 {
			return
		}
		c.mu.Lock()
		c.inPhase[runID] = float64(settled) / float64(total)
		c.mu.Unlock()
	}
}

func (c *Controller) publish(runID string, ev streaming.Event) {
	if c.bus == nil {
		return
	}
	ev.RunID = runID
	c.bus.Publish(ev)
}

func queriesFromPillars(pillars []models.Pillar) []models.SearchQuery {
	var out []models.SearchQuery
	for _, p := range pillars {
		for _, q := range p.Questions {
			out = append(out, models.SearchQuery{
				Query:      q.Text,
				Type:       models.SourceWeb,
				PillarID:   p.ID,
				QuestionID: q.ID,
			})
		}
	}
	return out
}

func seenURLs(evidence []models.Evidence) map[string]struct{} {
	seen := make(map[string]struct{}, len(evidence))
	for i := range evidence {
		seen[evidence[i].Source.URL] = struct{}{}
	}
	return seen
}
