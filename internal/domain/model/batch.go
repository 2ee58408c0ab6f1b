package model

import "time"

// BatchStats is the tally of one ingestion run. Processed counts every row
// observed; Succeeded + Failed == Processed once the run has finished.
type BatchStats struct {
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Degraded  int64     `json:"degraded"` // stored, but the cache write failed
	Rejected  int64     `json:"rejected"` // failed at parse time
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
}

// Elapsed returns the run duration, or time since start while running.
func (s BatchStats) Elapsed() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

// IngestJob is a batch ingestion request handled by the worker pool.
type IngestJob struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Limit  int    `json:"limit,omitempty"` // 0 means no limit
}

// JobState is the lifecycle state of an IngestJob.
type JobState string

// Job states.
const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is the externally visible state of an IngestJob.
type JobStatus struct {
	Job   IngestJob  `json:"job"`
	State JobState   `json:"state"`
	Stats BatchStats `json:"stats"`
	Error string     `json:"error,omitempty"`
}

// StoreStats are table-level counts reported by the durable tier.
type StoreStats struct {
	Events   int64 `json:"events"`
	Subjects int64 `json:"subjects"`
}
