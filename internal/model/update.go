package model

import "time"

// UpdateKind distinguishes how an incoming update must be merged
type UpdateKind string

const (
	// UpdateFull is an authoritative complete snapshot obtained via pull
	UpdateFull UpdateKind = "full"

	// UpdatePartial is a field-subset patch obtained via push
	UpdatePartial UpdateKind = "partial"

	// UpdateTerminalSignal announces completion without final data; it only
	// marks the job as awaiting an authoritative refetch
	UpdateTerminalSignal UpdateKind = "terminal_signal"
)

// Update is a single unit of incoming data routed through the store.
// Exactly one of Snapshot (full) or Patch (partial) is set; a
// terminal-signal carries neither.
type Update struct {
	Kind  UpdateKind
	JobID string

	Snapshot *Job
	Patch    *StatusPatch

	// ReceivedAt is stamped by the channel at receipt and drives the
	// updated-at advance for partial updates. Keeping it on the update,
	// rather than reading the clock inside the merge, keeps the merge a
	// function of its inputs only.
	ReceivedAt time.Time
}

// StatusPatch carries any subset of the mutable status fields of a job.
// Field names follow the push frame payload.
type StatusPatch struct {
	Status               *JobStatus `json:"status,omitempty"`
	CompletionPercentage *float64   `json:"completion_percentage,omitempty"`
	CurrentStage         *string    `json:"current_node,omitempty"`
	Generation           *int       `json:"generation,omitempty"`
}
