package scheduler

import (
	"sort"
	"sync"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/metrics"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

// Registry owns every job, the run queue and the live run table behind one lock.
// All state transitions happen inside Do, so each one is a compare-and-set.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	events   map[string][]model.JobEvent
	queue    *runQueue
	runs     map[string]*run
	attempts map[string]int
	seq      uint64
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:     map[string]*model.Job{},
		events:   map[string][]model.JobEvent{},
		queue:    newRunQueue(),
		runs:     map[string]*run{},
		attempts: map[string]int{},
	}
}

// Tx is the view of the registry handed to Do. It must not escape the callback.
type Tx struct {
	r *Registry
}

// Do runs fn with the registry locked.
func (r *Registry) Do(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := fn(&Tx{r: r})
	metrics.JobsQueued.Set(float64(r.queue.len()))
	metrics.JobsRunning.Set(float64(len(r.runs)))
	return err
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, apperr.Ef("scheduler.Get", apperr.NotFound, "job %s not found", id)
	}
	return j.Clone(), nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ProjectID string
	Status    model.Status
	Module    model.Module
	Limit     int
}

func (f Filter) match(j *model.Job) bool {
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Module != "" && j.Module != f.Module {
		return false
	}
	return true
}

// List returns matching jobs ordered by priority, newest first within a priority.
func (r *Registry) List(f Filter) []model.Job {
	r.mu.Lock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.match(j) {
			out = append(out, j.Clone())
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Events returns the job's audit trail in order.
func (r *Registry) Events(id string) ([]model.JobEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return nil, apperr.Ef("scheduler.Events", apperr.NotFound, "job %s not found", id)
	}
	return append([]model.JobEvent(nil), r.events[id]...), nil
}

// QueuedIDs lists queued job ids in the order they would start.
func (r *Registry) QueuedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.ids()
}

// Running is the number of occupied concurrency slots.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Job returns the live job for mutation.
func (tx *Tx) Job(id string) (*model.Job, error) {
	j, ok := tx.r.jobs[id]
	if !ok {
		return nil, apperr.Ef("scheduler", apperr.NotFound, "job %s not found", id)
	}
	return j, nil
}

// Insert adds a job; it does not enqueue it.
func (tx *Tx) Insert(j *model.Job) {
	tx.r.jobs[j.ID] = j
}

// Enqueue is a no-op when the job is already queued.
func (tx *Tx) Enqueue(j *model.Job) {
	tx.r.seq++
	tx.r.queue.push(j.ID, j.Priority, j.CreatedAt, tx.r.seq)
}

func (tx *Tx) Dequeue(id string) bool { return tx.r.queue.remove(id) }

func (tx *Tx) Reprioritize(id string, priority int) { tx.r.queue.reprioritize(id, priority) }

func (tx *Tx) Queued(id string) bool { return tx.r.queue.contains(id) }

// Next pops the highest ranked queued job that has no run still winding down.
// Skipped jobs keep their place.
func (tx *Tx) Next() (*model.Job, bool) {
	var skipped []*entry
	defer func() {
		for _, e := range skipped {
			tx.r.queue.restore(e)
		}
	}()
	for {
		e, ok := tx.r.queue.pop()
		if !ok {
			return nil, false
		}
		j, ok := tx.r.jobs[e.id]
		if !ok {
			continue
		}
		if _, busy := tx.r.runs[e.id]; busy {
			skipped = append(skipped, e)
			continue
		}
		return j, true
	}
}

func (tx *Tx) Slots() int { return len(tx.r.runs) }

// Bind occupies a slot for the job and returns the attempt number of this run.
func (tx *Tx) Bind(id string, rn *run) int {
	tx.r.runs[id] = rn
	tx.r.attempts[id]++
	return tx.r.attempts[id]
}

func (tx *Tx) Run(id string) *run { return tx.r.runs[id] }

// Release frees the slot held by rn; a newer binding for the same job is left alone.
func (tx *Tx) Release(id string, rn *run) {
	if tx.r.runs[id] == rn {
		delete(tx.r.runs, id)
	}
}

func (tx *Tx) AllRuns() []*run {
	out := make([]*run, 0, len(tx.r.runs))
	for _, rn := range tx.r.runs {
		out = append(out, rn)
	}
	return out
}

func (tx *Tx) Record(ev model.JobEvent) {
	tx.r.events[ev.JobID] = append(tx.r.events[ev.JobID], ev)
}
