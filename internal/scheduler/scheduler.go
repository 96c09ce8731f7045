// Package scheduler admits jobs through the safety gate, orders them by priority and
// drives them through their lifecycle on a bounded number of container slots.
package scheduler

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/executor"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/safety"
)

// Ingester receives the normalized output of a succeeded job.
type Ingester interface {
	Ingest(ctx context.Context, job model.Job, recs []model.NormalizedRecord) ([]model.Finding, error)
}

// Store persists job state. Failures are logged, never surfaced to callers.
type Store interface {
	SaveJob(ctx context.Context, job model.Job) error
	SaveEvent(ctx context.Context, ev model.JobEvent) error
}

// Notifier fans lifecycle events out to other systems.
type Notifier interface {
	Notify(ctx context.Context, ev model.JobEvent) error
}

// SettingsStore keeps operator settings across restarts.
type SettingsStore interface {
	SaveSettings(ctx context.Context, set model.Settings) error
}

// Config holds the initial settings. Retention days and the artifact budget treat
// zero as unlimited.
type Config struct {
	Concurrency           int
	MaxConcurrency        int
	ContainerCPU          string
	ContainerMemoryGB     int
	DefaultAggressiveness int
	NoiseThreshold        float64
	MaxScopeHosts         int
	RawRetentionDays      int
	LogRetentionDays      int
	MaxArtifactBytes      int64
	ApprovalToken         string
	ProgressInterval      time.Duration
}

// DefaultConfig mirrors the stock settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:           2,
		MaxConcurrency:        4,
		ContainerCPU:          "2",
		ContainerMemoryGB:     2,
		DefaultAggressiveness: 5,
		NoiseThreshold:        7,
		MaxScopeHosts:         safety.LargeScopeHosts,
		RawRetentionDays:      7,
		LogRetentionDays:      7,
		MaxArtifactBytes:      15 << 30,
		ProgressInterval:      2 * time.Second,
	}
}

// Options are the collaborators. Ingester, Store, Settings and Notifier may be nil.
type Options struct {
	Registry *Registry
	Executor *executor.Executor
	Catalog  *executor.Catalog
	Ingester Ingester
	Store    Store
	Settings SettingsStore
	Notifier Notifier
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

type Scheduler struct {
	reg      *Registry
	gate     *safety.Gate
	exec     *executor.Executor
	catalog  *executor.Catalog
	ingester Ingester
	store    Store
	setStore SettingsStore
	notifier Notifier
	log      *zap.SugaredLogger
	now      func() time.Time

	setMu         sync.RWMutex
	settings      model.Settings
	approvalToken string
	interval      time.Duration

	persistMu sync.Mutex
	wg        sync.WaitGroup
	closed    bool // guarded by the registry lock
}

// New builds a scheduler. Nothing runs until jobs are submitted or restored.
func New(cfg Config, opts Options) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Concurrency > cfg.MaxConcurrency {
		cfg.Concurrency = cfg.MaxConcurrency
	}
	if cfg.ContainerCPU == "" {
		cfg.ContainerCPU = def.ContainerCPU
	}
	if cfg.ContainerMemoryGB <= 0 {
		cfg.ContainerMemoryGB = def.ContainerMemoryGB
	}
	if cfg.DefaultAggressiveness < 1 || cfg.DefaultAggressiveness > 10 {
		cfg.DefaultAggressiveness = def.DefaultAggressiveness
	}
	if cfg.NoiseThreshold <= 0 {
		cfg.NoiseThreshold = def.NoiseThreshold
	}
	if cfg.MaxScopeHosts <= 0 {
		cfg.MaxScopeHosts = def.MaxScopeHosts
	}
	if cfg.RawRetentionDays < 0 {
		cfg.RawRetentionDays = def.RawRetentionDays
	}
	if cfg.LogRetentionDays < 0 {
		cfg.LogRetentionDays = def.LogRetentionDays
	}
	if cfg.MaxArtifactBytes < 0 {
		cfg.MaxArtifactBytes = def.MaxArtifactBytes
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		reg:      opts.Registry,
		exec:     opts.Executor,
		catalog:  opts.Catalog,
		ingester: opts.Ingester,
		store:    opts.Store,
		setStore: opts.Settings,
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      opts.Now,
		settings: model.Settings{
			Concurrency:           cfg.Concurrency,
			MaxConcurrency:        cfg.MaxConcurrency,
			ContainerCPU:          cfg.ContainerCPU,
			ContainerMemoryGB:     cfg.ContainerMemoryGB,
			DefaultAggressiveness: cfg.DefaultAggressiveness,
			NoiseThreshold:        cfg.NoiseThreshold,
			MaxScopeHosts:         cfg.MaxScopeHosts,
			RawRetentionDays:      cfg.RawRetentionDays,
			LogRetentionDays:      cfg.LogRetentionDays,
			MaxArtifactBytes:      cfg.MaxArtifactBytes,
		},
		approvalToken: cfg.ApprovalToken,
		interval:      cfg.ProgressInterval,
	}
	s.gate = safety.NewGate(s.limits)
	return s
}

func (s *Scheduler) limits() safety.Limits {
	set := s.Settings()
	return safety.Limits{NoiseThreshold: set.NoiseThreshold, MaxScopeHosts: int64(set.MaxScopeHosts)}
}

// Registry exposes the read side to the API layer.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Catalog is the tool catalog jobs are resolved against.
func (s *Scheduler) Catalog() *executor.Catalog { return s.catalog }

func (s *Scheduler) Settings() model.Settings {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	return s.settings
}

// UpdateSettings applies and persists a patch. Raising concurrency dispatches at once.
// Lowering it never preempts: jobs already holding a slot run to completion, and no
// queued job starts until the running count drops below the new limit.
func (s *Scheduler) UpdateSettings(ctx context.Context, p model.SettingsPatch) (model.Settings, error) {
	const op = "scheduler.UpdateSettings"
	s.setMu.Lock()
	next := s.settings
	if p.Concurrency != nil {
		if *p.Concurrency < 1 || *p.Concurrency > next.MaxConcurrency {
			s.setMu.Unlock()
			return model.Settings{}, apperr.Ef(op, apperr.InvalidRequest, "concurrency must be between 1 and %d", next.MaxConcurrency)
		}
		next.Concurrency = *p.Concurrency
	}
	if p.ContainerCPU != nil {
		if strings.TrimSpace(*p.ContainerCPU) == "" {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "container_cpu must not be empty", nil)
		}
		next.ContainerCPU = strings.TrimSpace(*p.ContainerCPU)
	}
	if p.ContainerMemoryGB != nil {
		if *p.ContainerMemoryGB < 1 {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "container_memory_gb must be positive", nil)
		}
		next.ContainerMemoryGB = *p.ContainerMemoryGB
	}
	if p.DefaultAggressiveness != nil {
		if *p.DefaultAggressiveness < 1 || *p.DefaultAggressiveness > 10 {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "default_aggressiveness must be between 1 and 10", nil)
		}
		next.DefaultAggressiveness = *p.DefaultAggressiveness
	}
	if p.RawRetentionDays != nil {
		if *p.RawRetentionDays < 0 {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "raw_retention_days must not be negative", nil)
		}
		next.RawRetentionDays = *p.RawRetentionDays
	}
	if p.LogRetentionDays != nil {
		if *p.LogRetentionDays < 0 {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "log_retention_days must not be negative", nil)
		}
		next.LogRetentionDays = *p.LogRetentionDays
	}
	if p.MaxArtifactBytes != nil {
		if *p.MaxArtifactBytes < 0 {
			s.setMu.Unlock()
			return model.Settings{}, apperr.E(op, apperr.InvalidRequest, "max_artifact_bytes must not be negative", nil)
		}
		next.MaxArtifactBytes = *p.MaxArtifactBytes
	}
	s.settings = next
	s.setMu.Unlock()

	s.log.Infow("settings updated", "concurrency", next.Concurrency, "container_cpu", next.ContainerCPU,
		"container_memory_gb", next.ContainerMemoryGB, "default_aggressiveness", next.DefaultAggressiveness,
		"raw_retention_days", next.RawRetentionDays, "log_retention_days", next.LogRetentionDays,
		"max_artifact_bytes", next.MaxArtifactBytes)
	if s.setStore != nil {
		if err := s.setStore.SaveSettings(ctx, next); err != nil {
			s.log.Errorw("persist settings failed", "error", err)
		}
	}
	s.dispatch(ctx)
	return next, nil
}

// SubmitRequest is a new job as posted by a client.
type SubmitRequest struct {
	ProjectID              string           `json:"project_id"`
	Module                 model.Module     `json:"module"`
	Tool                   string           `json:"tool"`
	Priority               int              `json:"priority"`
	Aggressiveness         *int             `json:"aggressiveness"`
	Parameters             model.Parameters `json:"parameters"`
	AuthorizationConfirmed bool             `json:"authorization_confirmed"`
	OverrideAcknowledged   bool             `json:"override_acknowledged"`
	ScopeAcknowledged      bool             `json:"scope_acknowledged"`
}

// Submit admits a job through the safety gate and queues it, or holds it for approval.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (model.Job, error) {
	return s.submit(ctx, req, "")
}

func (s *Scheduler) submit(ctx context.Context, req SubmitRequest, rerunOf string) (model.Job, error) {
	const op = "scheduler.Submit"
	req.ProjectID = strings.TrimSpace(req.ProjectID)

	aggr := s.Settings().DefaultAggressiveness
	if req.Aggressiveness != nil {
		aggr = *req.Aggressiveness
	}
	toolName := req.Tool
	if toolName == "" {
		toolName = req.Parameters.String("tool")
	}
	tool, toolErr := s.catalog.Lookup(req.Module, toolName)
	if toolErr == nil {
		toolName = tool.Name
	}

	d, err := s.gate.Admit(safety.Request{
		Module:                 req.Module,
		Tool:                   toolName,
		Aggressiveness:         aggr,
		Targets:                req.Parameters.Targets,
		AuthorizationConfirmed: req.AuthorizationConfirmed,
		OverrideAcknowledged:   req.OverrideAcknowledged,
		ScopeAcknowledged:      req.ScopeAcknowledged,
	})
	if err != nil {
		s.log.Infow("job rejected", "project_id", req.ProjectID, "module", req.Module, "kind", apperr.KindOf(err), "error", err)
		return model.Job{}, err
	}
	if req.ProjectID == "" {
		return model.Job{}, apperr.E(op, apperr.InvalidRequest, "project_id is required", nil)
	}
	if toolErr != nil {
		return model.Job{}, apperr.E(op, apperr.InvalidRequest, toolErr.Error(), nil)
	}

	now := s.now()
	params := req.Parameters.Clone()
	params.Targets = d.Targets
	if params.Options != nil {
		delete(params.Options, "tool")
	}
	job := &model.Job{
		ID:                     uuid.NewString(),
		ProjectID:              req.ProjectID,
		Module:                 req.Module,
		Tool:                   toolName,
		Status:                 d.Status,
		Priority:               req.Priority,
		Aggressiveness:         aggr,
		NoiseScore:             model.Ptr(d.NoiseScore),
		IsExternal:             d.IsExternal,
		CreatedAt:              now,
		UpdatedAt:              now,
		Parameters:             params,
		AuthorizationConfirmed: req.AuthorizationConfirmed,
		OverrideAcknowledged:   req.OverrideAcknowledged,
		ScopeAcknowledged:      req.ScopeAcknowledged,
		RerunOf:                rerunOf,
	}

	var evs []model.JobEvent
	var snap model.Job
	_ = s.reg.Do(func(tx *Tx) error {
		tx.Insert(job)
		evs = append(evs, s.record(tx, job, model.EventCreated, map[string]any{
			"noise_score": d.NoiseScore, "is_external": d.IsExternal, "total_hosts": d.TotalHosts, "tool": toolName,
		}))
		if job.Status == model.StatusQueued {
			tx.Enqueue(job)
			evs = append(evs, s.record(tx, job, model.EventQueued, nil))
		} else {
			evs = append(evs, s.record(tx, job, model.EventAwaitingApproval, nil))
		}
		snap = job.Clone()
		return nil
	})
	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	s.log.Infow("job admitted", "job_id", job.ID, "project_id", job.ProjectID, "module", job.Module,
		"tool", toolName, "status", job.Status, "noise_score", d.NoiseScore, "is_external", d.IsExternal)

	s.persist(ctx, job.ID, evs...)
	s.dispatch(ctx)
	return snap, nil
}

// Approve releases a job held for external scope.
func (s *Scheduler) Approve(ctx context.Context, id, token string) (model.Job, error) {
	const op = "scheduler.Approve"
	if s.approvalToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.approvalToken)) != 1 {
		return model.Job{}, apperr.E(op, apperr.AdminApprovalRequired, "approval token rejected", nil)
	}
	var evs []model.JobEvent
	var snap model.Job
	err := s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		if job.Status != model.StatusAwaitingApproval {
			return apperr.Ef(op, apperr.InvalidTransition, "job %s is %s, not awaiting approval", id, job.Status)
		}
		now := s.now()
		job.AdminApprovedAt = &now
		job.Status = model.StatusQueued
		job.UpdatedAt = now
		tx.Enqueue(job)
		evs = append(evs, s.record(tx, job, model.EventApproved, nil), s.record(tx, job, model.EventQueued, nil))
		snap = job.Clone()
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusQueued)).Inc()
	s.log.Infow("job approved", "job_id", id)
	s.persist(ctx, id, evs...)
	s.dispatch(ctx)
	return snap, nil
}

// Cancel stops any live container and marks the job canceled. Canceling a failed or
// canceled job is a no-op; a succeeded job cannot be canceled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (model.Job, error) {
	const op = "scheduler.Cancel"
	var (
		evs  []model.JobEvent
		snap model.Job
		rn   *run
	)
	err := s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		switch job.Status {
		case model.StatusSucceeded:
			return apperr.Ef(op, apperr.InvalidTransition, "job %s already succeeded", id)
		case model.StatusFailed, model.StatusCanceled:
			snap = job.Clone()
			return nil
		case model.StatusQueued:
			tx.Dequeue(id)
		case model.StatusRunning:
			rn = tx.Run(id)
		}
		from := job.Status
		now := s.now()
		job.Status = model.StatusCanceled
		job.FinishedAt = &now
		job.UpdatedAt = now
		job.ETASeconds = nil
		evs = append(evs, s.record(tx, job, model.EventCanceled, map[string]any{"from": string(from)}))
		snap = job.Clone()
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	if len(evs) == 0 {
		return snap, nil
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusCanceled)).Inc()
	s.log.Infow("job canceled", "job_id", id)
	if rn != nil {
		s.stopRun(ctx, rn)
		snap, _ = s.reg.Get(id)
	}
	s.persist(ctx, id, evs...)
	s.dispatch(ctx)
	return snap, nil
}

// Pause stops a running job's container. The job keeps its place for a later Resume,
// which starts the tool again from scratch.
func (s *Scheduler) Pause(ctx context.Context, id string) (model.Job, error) {
	const op = "scheduler.Pause"
	var (
		evs []model.JobEvent
		rn  *run
	)
	err := s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		if job.Status != model.StatusRunning {
			return apperr.Ef(op, apperr.InvalidTransition, "job %s is %s, not running", id, job.Status)
		}
		job.Status = model.StatusPaused
		job.UpdatedAt = s.now()
		job.ETASeconds = nil
		rn = tx.Run(id)
		evs = append(evs, s.record(tx, job, model.EventPaused, nil))
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusPaused)).Inc()
	s.log.Infow("job paused", "job_id", id)
	if rn != nil {
		s.stopRun(ctx, rn)
	}
	s.persist(ctx, id, evs...)
	s.dispatch(ctx)
	return s.reg.Get(id)
}

// Resume puts a paused job back in the queue at its original position.
func (s *Scheduler) Resume(ctx context.Context, id string) (model.Job, error) {
	const op = "scheduler.Resume"
	var evs []model.JobEvent
	var snap model.Job
	err := s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		if job.Status != model.StatusPaused {
			return apperr.Ef(op, apperr.InvalidTransition, "job %s is %s, not paused", id, job.Status)
		}
		job.Status = model.StatusQueued
		job.UpdatedAt = s.now()
		job.ProgressPct = nil
		job.ETASeconds = nil
		tx.Enqueue(job)
		evs = append(evs, s.record(tx, job, model.EventResumed, nil), s.record(tx, job, model.EventQueued, nil))
		snap = job.Clone()
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	metrics.JobsTotal.WithLabelValues(string(model.StatusQueued)).Inc()
	s.log.Infow("job resumed", "job_id", id)
	s.persist(ctx, id, evs...)
	s.dispatch(ctx)
	return snap, nil
}

// Rerun clones a job into a brand-new one and admits it through the gate again.
// The source job is never modified.
func (s *Scheduler) Rerun(ctx context.Context, id string) (model.Job, error) {
	const op = "scheduler.Rerun"
	src, err := s.reg.Get(id)
	if err != nil {
		return model.Job{}, err
	}
	switch src.Status {
	case model.StatusRunning, model.StatusAwaitingApproval:
		return model.Job{}, apperr.Ef(op, apperr.InvalidTransition, "job %s is %s", id, src.Status)
	}
	aggr := src.Aggressiveness
	job, err := s.submit(ctx, SubmitRequest{
		ProjectID:              src.ProjectID,
		Module:                 src.Module,
		Tool:                   src.Tool,
		Priority:               src.Priority,
		Aggressiveness:         &aggr,
		Parameters:             src.Parameters.Clone(),
		AuthorizationConfirmed: src.AuthorizationConfirmed,
		OverrideAcknowledged:   src.OverrideAcknowledged,
		ScopeAcknowledged:      src.ScopeAcknowledged,
	}, src.ID)
	if err != nil {
		return model.Job{}, err
	}
	s.log.Infow("job rerun", "job_id", job.ID, "rerun_of", src.ID)
	return job, nil
}

// SetPriority changes the priority of a job that has not started yet.
func (s *Scheduler) SetPriority(ctx context.Context, id string, priority int) (model.Job, error) {
	const op = "scheduler.SetPriority"
	var evs []model.JobEvent
	var snap model.Job
	err := s.reg.Do(func(tx *Tx) error {
		job, err := tx.Job(id)
		if err != nil {
			return err
		}
		switch job.Status {
		case model.StatusQueued, model.StatusAwaitingApproval, model.StatusPaused:
		default:
			return apperr.Ef(op, apperr.InvalidTransition, "cannot change priority of a %s job", job.Status)
		}
		old := job.Priority
		job.Priority = priority
		job.UpdatedAt = s.now()
		tx.Reprioritize(id, priority)
		evs = append(evs, s.record(tx, job, model.EventPriority, map[string]any{"from": old, "to": priority}))
		snap = job.Clone()
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	s.persist(ctx, id, evs...)
	return snap, nil
}

// Get returns a job snapshot.
func (s *Scheduler) Get(id string) (model.Job, error) { return s.reg.Get(id) }

// Events returns a job's audit trail.
func (s *Scheduler) Events(id string) ([]model.JobEvent, error) { return s.reg.Events(id) }

// Restore reloads persisted jobs after a restart. Jobs that were running lost their
// container and are failed; queued jobs go back in the queue.
func (s *Scheduler) Restore(ctx context.Context, jobs []model.Job) {
	var failed []model.JobEvent
	_ = s.reg.Do(func(tx *Tx) error {
		for i := range jobs {
			j := jobs[i].Clone()
			if _, err := tx.Job(j.ID); err == nil {
				continue
			}
			job := &j
			tx.Insert(job)
			switch job.Status {
			case model.StatusRunning:
				now := s.now()
				msg := string(apperr.ContainerLaunchFailure) + ": interrupted by restart"
				job.Status = model.StatusFailed
				job.FinishedAt = &now
				job.UpdatedAt = now
				job.ETASeconds = nil
				job.ErrorMessage = &msg
				failed = append(failed, s.record(tx, job, model.EventFailed, map[string]any{"error": msg}))
			case model.StatusQueued:
				tx.Enqueue(job)
			}
		}
		return nil
	})
	for _, ev := range failed {
		metrics.JobsTotal.WithLabelValues(string(model.StatusFailed)).Inc()
		s.persist(ctx, ev.JobID, ev)
	}
	s.log.Infow("jobs restored", "count", len(jobs), "interrupted", len(failed))
	s.dispatch(ctx)
}

// RestoreEvents reloads a job's audit trail.
func (s *Scheduler) RestoreEvents(evs []model.JobEvent) {
	_ = s.reg.Do(func(tx *Tx) error {
		for _, ev := range evs {
			tx.Record(ev)
		}
		return nil
	})
}

// Shutdown stops dispatching, stops live containers and waits for their goroutines.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var runs []*run
	_ = s.reg.Do(func(tx *Tx) error {
		s.closed = true
		runs = tx.AllRuns()
		return nil
	})
	for _, rn := range runs {
		rn.interrupt()
	}
	var wg sync.WaitGroup
	for _, rn := range runs {
		wg.Add(1)
		go func(rn *run) {
			defer wg.Done()
			s.stopRun(ctx, rn)
		}(rn)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record appends an event to the registry. Caller holds the lock.
func (s *Scheduler) record(tx *Tx, job *model.Job, typ model.EventType, payload map[string]any) model.JobEvent {
	ev := model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	tx.Record(ev)
	return ev
}

// persist writes the latest snapshot of the job, then the events, then notifies.
// Reading the snapshot under persistMu keeps an older state from overwriting a newer one.
func (s *Scheduler) persist(ctx context.Context, id string, evs ...model.JobEvent) {
	ctx = context.WithoutCancel(ctx)
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.store != nil {
		if job, err := s.reg.Get(id); err == nil {
			if err := s.store.SaveJob(ctx, job); err != nil {
				s.log.Errorw("failed to save job", "job_id", id, "error", err)
			}
		}
		for _, ev := range evs {
			if err := s.store.SaveEvent(ctx, ev); err != nil {
				s.log.Errorw("failed to save job event", "job_id", id, "event", ev.Type, "error", err)
			}
		}
	}
	if s.notifier != nil {
		for _, ev := range evs {
			if err := s.notifier.Notify(ctx, ev); err != nil {
				s.log.Warnw("failed to publish job event", "job_id", id, "event", ev.Type, "error", err)
			}
		}
	}
}
