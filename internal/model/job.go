package model

import (
	"reflect"
	"time"
)

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	StatusCreated            JobStatus = "created"
	StatusRunning            JobStatus = "running"
	StatusCompleted          JobStatus = "completed"
	StatusPartiallyCompleted JobStatus = "partially_completed"
	StatusFailed             JobStatus = "failed"
	StatusCancelled          JobStatus = "cancelled"
)

// Valid reports whether s is a known status value
func (s JobStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state of a run
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge s -> next is legal.
// Staying on the same status is not an edge and is always allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusCreated:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusPartiallyCompleted ||
			next == StatusFailed || next == StatusCancelled
	default:
		// terminal states may only restart
		return s.Terminal() && next == StatusRunning
	}
}

// Downloadable reports whether artifacts can be fetched for this status
func (s JobStatus) Downloadable() bool {
	return s == StatusCompleted || s == StatusPartiallyCompleted
}

// Job represents the local authoritative snapshot of a server-executed
// generation job
type Job struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Requirements         string     `json:"requirements,omitempty"`
	Status               JobStatus  `json:"status"`
	CompletionPercentage float64    `json:"completion_percentage"`
	CurrentStage         string     `json:"current_stage,omitempty"`
	Errors               []string   `json:"errors,omitempty"`
	Artifacts            *Artifacts `json:"artifacts,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	// Generation counts restarts of the same job id. Updates carrying a
	// lower generation belong to a superseded run and must be discarded.
	Generation int `json:"generation"`

	// RefetchPending is a client-side flag set by a completion signal on the
	// push channel. It marks the snapshot as awaiting one authoritative pull
	// and is cleared by the next accepted full update.
	RefetchPending bool `json:"refetch_pending,omitempty"`
}

// Clone returns a deep copy of the job
func (j *Job) Clone() Job {
	out := *j
	if j.Errors != nil {
		out.Errors = make([]string, len(j.Errors))
		copy(out.Errors, j.Errors)
	}
	if j.Artifacts != nil {
		a := j.Artifacts.Clone()
		out.Artifacts = &a
	}
	return out
}

// Equal reports structural equality of two snapshots
func (j *Job) Equal(other *Job) bool {
	return reflect.DeepEqual(j, other)
}

// Artifacts is the output bundle of a finished run
type Artifacts struct {
	ArchitectureSummary string             `json:"architecture_summary,omitempty"`
	CodeFiles           map[string]string  `json:"code_files,omitempty"`
	ValidationResults   []ValidationResult `json:"validation_results,omitempty"`
	IterationMetrics    []IterationMetric  `json:"iteration_metrics,omitempty"`
}

// Clone returns a deep copy of the bundle
func (a *Artifacts) Clone() Artifacts {
	out := *a
	if a.CodeFiles != nil {
		out.CodeFiles = make(map[string]string, len(a.CodeFiles))
		for k, v := range a.CodeFiles {
			out.CodeFiles[k] = v
		}
	}
	if a.ValidationResults != nil {
		out.ValidationResults = make([]ValidationResult, len(a.ValidationResults))
		copy(out.ValidationResults, a.ValidationResults)
	}
	if a.IterationMetrics != nil {
		out.IterationMetrics = make([]IterationMetric, len(a.IterationMetrics))
		copy(out.IterationMetrics, a.IterationMetrics)
	}
	return out
}

// ValidationResult is a single validation check recorded in the bundle
type ValidationResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// IterationMetric is one metric sample from a pipeline iteration
type IterationMetric struct {
	Iteration int     `json:"iteration"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
}
