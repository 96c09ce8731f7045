// Package correlation deduplicates normalized tool records into findings and links
// findings that share an asset.
package correlation

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/safety"
	"github.com/stywzn/recon-orchestrator/internal/telemetry"
)

// Scorer assigns a risk score to a finding inside an ingestion batch.
type Scorer interface {
	Score(ctx context.Context, f *model.Finding) float64
}

// Store persists findings after a batch commits.
type Store interface {
	SaveFindings(ctx context.Context, findings []model.Finding) error
}

// NoteStore is implemented by stores that also keep finding notes.
type NoteStore interface {
	SaveNote(ctx context.Context, note model.FindingNote) error
}

const (
	NoteKindNote = "note"
	NoteKindTag  = "tag"
)

type project struct {
	byKey        map[string]*model.Finding
	byID         map[string]*model.Finding
	version      uint64
	links        []model.AssetLink
	linksVersion uint64
}

func newProject() *project {
	return &project{byKey: map[string]*model.Finding{}, byID: map[string]*model.Finding{}}
}

type Engine struct {
	mu       sync.RWMutex
	projects map[string]*project

	scorer    Scorer
	store     Store
	listeners []func(projectID string)
	log       *zap.SugaredLogger
	now       func() time.Time
}

// New builds an engine. scorer and store may be nil.
func New(scorer Scorer, store Store, log *zap.SugaredLogger) *Engine {
	return &Engine{
		projects: map[string]*project{},
		scorer:   scorer,
		store:    store,
		log:      log,
		now:      time.Now,
	}
}

// OnBatch registers fn to run after every committed batch. Register before ingesting.
func (e *Engine) OnBatch(fn func(projectID string)) {
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) projectLocked(id string) *project {
	p, ok := e.projects[id]
	if !ok {
		p = newProject()
		e.projects[id] = p
	}
	return p
}

// Ingest applies one job's records as a single atomic batch and returns the
// created or updated findings. Malformed records are dropped and logged.
func (e *Engine) Ingest(ctx context.Context, job model.Job, recs []model.NormalizedRecord) ([]model.Finding, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "correlation.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("project.id", job.ProjectID),
		attribute.Int("records", len(recs)),
	)
	if job.ProjectID == "" {
		return nil, fmt.Errorf("correlation: job %s has no project", job.ID)
	}

	observed := e.now().UTC()
	if job.FinishedAt != nil {
		observed = job.FinishedAt.UTC()
	}

	e.mu.Lock()
	p := e.projectLocked(job.ProjectID)
	touched := map[string]*model.Finding{}
	var order []string
	created, updated, dropped := 0, 0, 0

	for _, rec := range recs {
		norm, err := NormalizeValue(rec)
		if err != nil {
			dropped++
			e.log.Warnw("dropping malformed record", "job_id", job.ID, "finding_type", rec.FindingType, "value", rec.Value, "error", err)
			continue
		}
		ft := strings.TrimSpace(rec.FindingType)
		module := CanonicalModule(ft, job.Module)
		key := DedupKey(job.ProjectID, module, ft, norm)

		f, exists := p.byKey[key]
		if !exists {
			f = &model.Finding{
				ID:          uuid.NewString(),
				ProjectID:   job.ProjectID,
				JobID:       job.ID,
				Module:      module,
				FindingType: ft,
				Value:       strings.TrimSpace(rec.Value),
				Data:        map[string]any{},
				IsInternal:  classify(job, rec),
				FirstSeen:   observed,
				LastSeen:    observed,
				DedupKey:    key,
			}
			p.byKey[key] = f
			p.byID[f.ID] = f
			created++
		} else {
			if _, again := touched[f.ID]; !again {
				updated++
			}
			if observed.Before(f.FirstSeen) {
				f.FirstSeen = observed
			}
			if observed.After(f.LastSeen) {
				f.LastSeen = observed
				f.JobID = job.ID
			}
		}
		mergeData(f.Data, rec.Attributes)
		f.Data["modules"] = unionList(f.Data["modules"], []any{string(job.Module)})
		if job.Tool != "" {
			f.Data["tools"] = unionList(f.Data["tools"], []any{job.Tool})
		}
		f.Title = Title(ft, f.Value, f.Data)
		if _, ok := touched[f.ID]; !ok {
			order = append(order, f.ID)
		}
		touched[f.ID] = f
	}

	for _, id := range order {
		f := touched[id]
		if e.scorer != nil {
			s := e.scorer.Score(ctx, f)
			f.RiskScore = &s
		}
	}
	if len(order) > 0 {
		p.version++
	}
	out := make([]model.Finding, 0, len(order))
	for _, id := range order {
		out = append(out, touched[id].Clone())
	}
	e.mu.Unlock()

	metrics.FindingsIngested.WithLabelValues("created").Add(float64(created))
	metrics.FindingsIngested.WithLabelValues("updated").Add(float64(updated))
	metrics.FindingsIngested.WithLabelValues("dropped").Add(float64(dropped))
	e.log.Infow("ingested batch", "job_id", job.ID, "project_id", job.ProjectID,
		"created", created, "updated", updated, "dropped", dropped)

	if e.store != nil && len(out) > 0 {
		if err := e.store.SaveFindings(ctx, out); err != nil {
			e.log.Errorw("persist findings failed", "job_id", job.ID, "error", err)
		}
	}
	if len(out) > 0 {
		for _, fn := range e.listeners {
			fn(job.ProjectID)
		}
	}
	return out, nil
}

// Load seeds the engine with persisted findings. Existing keys are replaced. Notes
// are attached afterwards by LoadNotes.
func (e *Engine) Load(findings []model.Finding) {
	e.mu.Lock()
	touchedProjects := map[string]bool{}
	for i := range findings {
		f := findings[i].Clone()
		if f.Data == nil {
			f.Data = map[string]any{}
		}
		f.Notes = nil
		p := e.projectLocked(f.ProjectID)
		if old, ok := p.byKey[f.DedupKey]; ok {
			delete(p.byID, old.ID)
		}
		p.byKey[f.DedupKey] = &f
		p.byID[f.ID] = &f
		p.version++
		touchedProjects[f.ProjectID] = true
	}
	e.mu.Unlock()
	for id := range touchedProjects {
		for _, fn := range e.listeners {
			fn(id)
		}
	}
}

// Findings returns copies of a project's findings in first-seen order.
func (e *Engine) Findings(projectID string) []model.Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.findingsLocked(projectID)
}

func (e *Engine) findingsLocked(projectID string) []model.Finding {
	p, ok := e.projects[projectID]
	if !ok {
		return nil
	}
	out := make([]model.Finding, 0, len(p.byID))
	for _, f := range p.byID {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Finding returns one finding by id.
func (e *Engine) Finding(projectID, id string) (model.Finding, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.projects[projectID]; ok {
		if f, ok := p.byID[id]; ok {
			return f.Clone(), true
		}
	}
	return model.Finding{}, false
}

// Links returns the asset links of a project, recomputed only when findings changed.
func (e *Engine) Links(projectID string) []model.AssetLink {
	_, links := e.Snapshot(projectID)
	return links
}

// Snapshot returns findings and links from the same committed state.
func (e *Engine) Snapshot(projectID string) ([]model.Finding, []model.AssetLink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.projects[projectID]
	if !ok {
		return nil, nil
	}
	if p.links == nil || p.linksVersion != p.version {
		all := make([]*model.Finding, 0, len(p.byID))
		for _, f := range p.byID {
			all = append(all, f)
		}
		p.links = BuildLinks(all)
		if p.links == nil {
			p.links = []model.AssetLink{}
		}
		p.linksVersion = p.version
	}
	links := append([]model.AssetLink(nil), p.links...)
	return e.findingsLocked(projectID), links
}

// AddNote appends a note or tag to the finding with the given id.
func (e *Engine) AddNote(ctx context.Context, findingID, kind, content string) (model.FindingNote, error) {
	const op = "correlation.AddNote"
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = NoteKindNote
	}
	if kind != NoteKindNote && kind != NoteKindTag {
		return model.FindingNote{}, apperr.Ef(op, apperr.InvalidRequest, "kind must be %q or %q", NoteKindNote, NoteKindTag)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.FindingNote{}, apperr.E(op, apperr.InvalidRequest, "content must not be empty", nil)
	}

	e.mu.Lock()
	f := e.lookupLocked(findingID)
	if f == nil {
		e.mu.Unlock()
		return model.FindingNote{}, apperr.Ef(op, apperr.NotFound, "finding %s not found", findingID)
	}
	note := model.FindingNote{
		ID:        uuid.NewString(),
		FindingID: f.ID,
		ProjectID: f.ProjectID,
		Kind:      kind,
		Content:   content,
		CreatedAt: e.now().UTC(),
	}
	f.Notes = append(f.Notes, note)
	e.mu.Unlock()

	if ns, ok := e.store.(NoteStore); ok {
		if err := ns.SaveNote(ctx, note); err != nil {
			e.log.Errorw("persist note failed", "finding_id", findingID, "error", err)
		}
	}
	return note, nil
}

// LoadNotes attaches persisted notes to loaded findings. Notes of unknown findings are skipped.
func (e *Engine) LoadNotes(notes []model.FindingNote) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, note := range notes {
		if f := e.lookupLocked(note.FindingID); f != nil {
			f.Notes = append(f.Notes, note)
			n++
		}
	}
	return n
}

func (e *Engine) lookupLocked(id string) *model.Finding {
	for _, p := range e.projects {
		if f, ok := p.byID[id]; ok {
			return f
		}
	}
	return nil
}

// Projects lists every project with at least one finding.
func (e *Engine) Projects() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.projects))
	for id, p := range e.projects {
		if len(p.byID) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// classify decides internal/external for a new finding from the job target it came from.
func classify(job model.Job, rec model.NormalizedRecord) bool {
	targets := job.Parameters.Targets
	host := hostOf(rec.Attributes)
	if host == "" {
		switch rec.FindingType {
		case model.FindingSubdomain, model.FindingHost:
			host = normalizeHost(rec.Value)
		case model.FindingWebPath, model.FindingAdminPanel:
			if u, err := url.Parse(rec.Value); err == nil {
				host = normalizeHost(u.Hostname())
			}
		}
	}
	domain := normalizeHost(attrString(rec.Attributes, "domain"))
	for _, t := range targets {
		if targetMatches(t, host, domain) {
			return safety.IsInternal(t)
		}
	}
	if len(targets) == 1 {
		return safety.IsInternal(targets[0])
	}
	return !job.IsExternal
}

func targetMatches(t model.Target, host, domain string) bool {
	v := normalizeHost(t.Value)
	switch t.Type {
	case model.TargetIP:
		return host != "" && v == host
	case model.TargetCIDR:
		pfx, err := netip.ParsePrefix(strings.TrimSpace(t.Value))
		if err != nil {
			return false
		}
		a, err := netip.ParseAddr(host)
		return err == nil && pfx.Contains(a.Unmap())
	case model.TargetFQDN:
		for _, h := range []string{domain, host} {
			if h != "" && (h == v || strings.HasSuffix(h, "."+v)) {
				return true
			}
		}
	case model.TargetURL:
		u, err := url.Parse(strings.TrimSpace(t.Value))
		if err != nil {
			return false
		}
		uh := normalizeHost(u.Hostname())
		return uh != "" && (uh == domain || uh == host)
	}
	return false
}
