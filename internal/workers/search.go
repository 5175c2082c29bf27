// Package workers holds the leaf executors of the queue fabric. Each worker
// pulls one job, calls a single external collaborator, and returns a typed
// result; workers never call each other and never touch the run state.
package workers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/collab"
	"github.com/scanforge/orchestrator/internal/metrics"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/queue"
)

// Credibility heuristic for provisional evidence, before the evaluator has
// scored anything.
const (
	credibilityBase      = 0.5
	credibilityAcademic  = 0.3
	credibilityReputable = 0.2
	credibilityFresh30d  = 0.1
	credibilityFresh7d   = 0.1
)

// SearchWorker converts search hits into provisional evidence.
type SearchWorker struct {
	api       collab.SearchAPI
	reputable map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

// NewSearchWorker creates a search worker. reputableOutlets is the
// allow-list of domains that earn a credibility bonus.
func NewSearchWorker(api collab.SearchAPI, reputableOutlets []string, logger *zap.Logger) *SearchWorker {
	reputable := make(map[string]struct{}, len(reputableOutlets))
	for _, outlet := range reputableOutlets {
		reputable[normalizeDomain(outlet)] = struct{}{}
	}
	return &SearchWorker{
		api:       api,
		reputable: reputable,
		logger:    logger.With(zap.String("worker", "search")),
		now:       time.Now,
	}
}

// Handle executes one SearchJob.
func (w *SearchWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	payload, ok := job.Payload.(*models.SearchJob)
	if !ok {
		return nil, fmt.Errorf("search worker: unexpected payload %T", job.Payload)
	}

	hits, err := w.api.Search(ctx, collab.SearchRequest{
		Query:     payload.Query,
		QueryType: payload.QueryType,
		Limit:     payload.Options.Limit,
		DateRange: payload.Options.DateRange,
		Domain:    payload.Options.Domain,
	})
	if err != nil {
		return nil, err
	}

	evidence := make([]models.Evidence, 0, len(hits))
	for _, hit := range hits {
		if hit.URL == "" {
			continue
		}
		ev := models.Evidence{
			ID:         uuid.New().String(),
			PillarID:   payload.PillarID,
			QuestionID: payload.QuestionID,
			Source: models.Source{
				Type:        payload.QueryType,
				URL:         hit.URL,
				Name:        hit.Source,
				Credibility: w.credibility(payload.QueryType, hit),
				PublishedAt: hit.PublishedAt,
			},
			Content: models.Content{
				Raw:     hit.Snippet,
				Summary: hit.Title,
			},
			Meta:      models.EvidenceMeta{ExtractionMethod: "search_snippet", Confidence: 0.5},
			CreatedAt: w.now().UTC(),
		}
		evidence = append(evidence, ev)
		metrics.EvidenceCollected.WithLabelValues(string(payload.QueryType)).Inc()
	}

	w.logger.Debug("Search settled",
		zap.String("run_id", payload.RunID),
		zap.String("query", payload.Query),
		zap.Int("hits", len(evidence)),
	)
	return &models.SearchResult{Evidence: evidence}, nil
}

// credibility scores a hit: base 0.5, +0.3 for academic queries, +0.2 for a
// reputable outlet, +0.1 if published within 30 days and +0.1 more within 7.
func (w *SearchWorker) credibility(queryType models.SourceType, hit collab.SearchHit) float64 {
	score := credibilityBase
	if queryType == models.SourceAcademic {
		score += credibilityAcademic
	}
	if _, ok := w.reputable[normalizeDomain(domainOf(hit))]; ok {
		score += credibilityReputable
	}
	if hit.PublishedAt != nil {
		age := w.now().Sub(*hit.PublishedAt)
		if age >= 0 && age < 30*24*time.Hour {
			score += credibilityFresh30d
			if age < 7*24*time.Hour {
				score += credibilityFresh7d
			}
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func domainOf(hit collab.SearchHit) string {
	if hit.Source != "" {
		return hit.Source
	}
	if parsed, err := url.Parse(hit.URL); err == nil {
		return parsed.Hostname()
	}
	return ""
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "www.")
	if idx := strings.IndexByte(domain, '/'); idx >= 0 {
		domain = domain[:idx]
	}
	return domain
}
