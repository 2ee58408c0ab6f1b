package worker

import (
	"sync"
	"time"

	"github.com/okian/strata/internal/domain/model"
)

const defaultRegistryRetention = 1000

// Registry records the status of every submitted job. Once more than the
// retention limit are tracked, the oldest finished jobs are forgotten.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*model.JobStatus
	order     []string
	retention int
}

// NewRegistry creates a registry keeping at most retention finished jobs; a
// non-positive value selects the default.
func NewRegistry(retention int) *Registry {
	if retention <= 0 {
		retention = defaultRegistryRetention
	}
	return &Registry{
		jobs:      make(map[string]*model.JobStatus),
		retention: retention,
	}
}

// Add records j as pending.
func (r *Registry) Add(j model.IngestJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = &model.JobStatus{Job: j, State: model.JobPending}
	r.order = append(r.order, j.ID)
	r.evict()
}

// Remove forgets a job that never reached the queue.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of a job's status.
func (r *Registry) Get(id string) (model.JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.jobs[id]
	if !ok {
		return model.JobStatus{}, false
	}
	return *st, true
}

// List returns every tracked job, oldest first.
func (r *Registry) List() []model.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.JobStatus, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.jobs[id])
	}
	return out
}

func (r *Registry) running(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[id]; ok {
		st.State = model.JobRunning
		st.Stats.Started = time.Now()
	}
}

func (r *Registry) finished(id string, stats model.BatchStats, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[id]
	if !ok {
		return
	}
	st.Stats = stats
	st.State = model.JobDone
	if err != nil {
		st.State = model.JobFailed
		st.Error = err.Error()
	}
}

// evict drops the oldest finished jobs beyond the retention limit. Caller
// holds the lock.
func (r *Registry) evict() {
	excess := len(r.order) - r.retention
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		st := r.jobs[id]
		if excess > 0 && (st.State == model.JobDone || st.State == model.JobFailed) {
			delete(r.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}
