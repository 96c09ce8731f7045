// Package ranking scores findings and keeps the top initial-access pathway per project.
package ranking

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/telemetry"
)

// Source is the committed state the ranker reads.
type Source interface {
	Snapshot(projectID string) ([]model.Finding, []model.AssetLink)
}

// Publisher receives every new top pathway, and a clear when a project loses its last one.
type Publisher interface {
	PublishPathway(ctx context.Context, h model.PathwayHypothesis) error
	ClearPathway(ctx context.Context, projectID string) error
}

// Ranker owns the top pathway of each project. Readers always see a complete hypothesis.
type Ranker struct {
	src       Source
	publisher Publisher
	log       *zap.SugaredLogger

	recompute sync.Mutex

	mu  sync.RWMutex
	top map[string]*model.PathwayHypothesis
	// projects recomputed at least once; guarded by recompute
	seen map[string]bool
}

func NewRanker(src Source, publisher Publisher, log *zap.SugaredLogger) *Ranker {
	return &Ranker{src: src, publisher: publisher, log: log, top: map[string]*model.PathwayHypothesis{}, seen: map[string]bool{}}
}

// Recompute rebuilds a project's top pathway from the current findings and swaps it in.
func (r *Ranker) Recompute(ctx context.Context, projectID string) *model.PathwayHypothesis {
	ctx, span := telemetry.Tracer().Start(ctx, "ranking.Recompute")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	r.recompute.Lock()
	findings, links := r.src.Snapshot(projectID)
	h := Synthesize(projectID, findings, links, time.Now().UTC())

	r.mu.Lock()
	_, had := r.top[projectID]
	if h == nil {
		delete(r.top, projectID)
	} else {
		r.top[projectID] = h
	}
	r.mu.Unlock()
	// the first pass also clears whatever a previous process left in the cache
	first := !r.seen[projectID]
	r.seen[projectID] = true
	r.recompute.Unlock()

	if h == nil {
		metrics.PathwayScore.DeleteLabelValues(projectID)
		if r.publisher != nil && (had || first) {
			if err := r.publisher.ClearPathway(ctx, projectID); err != nil {
				r.log.Warnw("clear pathway failed", "project_id", projectID, "error", err)
			}
		}
		return nil
	}
	metrics.PathwayScore.WithLabelValues(projectID).Set(h.Score)
	r.log.Infow("pathway recomputed", "project_id", projectID, "score", h.Score, "findings", len(h.FindingIDs))
	if r.publisher != nil {
		if err := r.publisher.PublishPathway(ctx, clonePathway(h)); err != nil {
			r.log.Warnw("publish pathway failed", "project_id", projectID, "error", err)
		}
	}
	out := clonePathway(h)
	return &out
}

// Top returns the current top pathway of a project.
func (r *Ranker) Top(projectID string) (model.PathwayHypothesis, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.top[projectID]
	if !ok {
		return model.PathwayHypothesis{}, false
	}
	return clonePathway(h), true
}

// All returns every project's top pathway, best first.
func (r *Ranker) All() []model.PathwayHypothesis {
	r.mu.RLock()
	out := make([]model.PathwayHypothesis, 0, len(r.top))
	for _, h := range r.top {
		out = append(out, clonePathway(h))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out
}

func clonePathway(h *model.PathwayHypothesis) model.PathwayHypothesis {
	c := *h
	c.FindingIDs = append([]string(nil), h.FindingIDs...)
	c.Evidence = append([]string(nil), h.Evidence...)
	return c
}

// Rank orders findings by risk descending, ties broken by most recently seen.
func Rank(findings []model.Finding) []model.Finding {
	out := append([]model.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := risk(out[i]), risk(out[j])
		if ri != rj {
			return ri > rj
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}
