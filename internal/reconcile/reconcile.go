// Package reconcile merges incoming channel updates into the authoritative
// local job snapshot. The merge is a pure function of (current, update):
// applying the same update twice yields the same snapshot as applying it
// once, and rejected updates leave the current snapshot untouched.
package reconcile

import (
	"fmt"

	"github.com/kirychukyurii/appgen-sync/internal/model"
)

// Merge applies update to the current snapshot and returns the merged job.
// current is nil when the job has not been observed yet; only a full update
// may introduce a new job. A returned *model.ProtocolViolation means the
// update was discarded entirely.
func Merge(current *model.Job, u model.Update) (model.Job, error) {
	switch u.Kind {
	case model.UpdateFull:
		return mergeFull(current, u)
	case model.UpdatePartial:
		return mergePartial(current, u)
	case model.UpdateTerminalSignal:
		return mergeTerminalSignal(current, u)
	default:
		return model.Job{}, &model.ProtocolViolation{
			JobID:  u.JobID,
			Reason: fmt.Sprintf("unknown update kind %q", u.Kind),
		}
	}
}

func mergeFull(current *model.Job, u model.Update) (model.Job, error) {
	if u.Snapshot == nil {
		return reject(current, u.JobID, "full update without snapshot")
	}
	snap := u.Snapshot.Clone()
	if !snap.Status.Valid() {
		return reject(current, u.JobID, fmt.Sprintf("unknown status %q", snap.Status))
	}

	// an authoritative snapshot is the one update allowed to clear the
	// pending-refetch flag
	snap.RefetchPending = false

	if current == nil {
		// first observation of this id
		return snap, nil
	}

	// a stale generation is the only ground to refuse an authoritative
	// snapshot; the server may have walked a job through several states
	// between two polls, so the local view cannot insist on seeing every
	// intermediate edge
	if snap.Generation < current.Generation {
		return reject(current, u.JobID, fmt.Sprintf(
			"stale generation %d < %d", snap.Generation, current.Generation))
	}

	// updatedAt never moves backwards across accepted updates
	if snap.UpdatedAt.Before(current.UpdatedAt) {
		snap.UpdatedAt = current.UpdatedAt
	}
	return snap, nil
}

func mergePartial(current *model.Job, u model.Update) (model.Job, error) {
	if u.Patch == nil {
		return reject(current, u.JobID, "partial update without patch")
	}
	if current == nil {
		return reject(current, u.JobID, "patch for unknown job")
	}
	p := u.Patch
	merged := current.Clone()

	restarted := false
	if p.Generation != nil {
		if *p.Generation < current.Generation {
			return reject(current, u.JobID, fmt.Sprintf(
				"stale generation %d < %d", *p.Generation, current.Generation))
		}
		if *p.Generation > current.Generation {
			merged.Generation = *p.Generation
			resetRun(&merged)
			restarted = true
		}
	}

	if p.Status != nil && *p.Status != merged.Status {
		if !p.Status.Valid() {
			return reject(current, u.JobID, fmt.Sprintf("unknown status %q", *p.Status))
		}
		if !merged.Status.CanTransition(*p.Status) {
			return reject(current, u.JobID, fmt.Sprintf(
				"invalid status edge %s -> %s", merged.Status, *p.Status))
		}
		if merged.Status.Terminal() && *p.Status == model.StatusRunning && !restarted {
			// restart without an explicit generation in the patch
			merged.Generation++
			resetRun(&merged)
			restarted = true
		}
		merged.Status = *p.Status
	}

	if p.CompletionPercentage != nil {
		pct := clamp(*p.CompletionPercentage)
		if pct < merged.CompletionPercentage && !restarted {
			// out-of-order delivery from the push channel; the whole patch
			// is discarded so a late frame cannot roll progress back
			return reject(current, u.JobID, fmt.Sprintf(
				"completion regression %.1f < %.1f in generation %d",
				pct, merged.CompletionPercentage, merged.Generation))
		}
		merged.CompletionPercentage = pct
	}

	if p.CurrentStage != nil {
		merged.CurrentStage = *p.CurrentStage
	}

	if u.ReceivedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = u.ReceivedAt
	}
	return merged, nil
}

func mergeTerminalSignal(current *model.Job, u model.Update) (model.Job, error) {
	if current == nil {
		return reject(current, u.JobID, "terminal signal for unknown job")
	}
	// the signal itself carries no final data; it only marks the snapshot
	// as awaiting one authoritative pull
	merged := current.Clone()
	merged.RefetchPending = true
	return merged, nil
}

// resetRun clears per-run state when the generation advances
func resetRun(j *model.Job) {
	j.CompletionPercentage = 0
	j.Artifacts = nil
	j.Errors = nil
	j.CurrentStage = ""
}

func reject(current *model.Job, jobID, reason string) (model.Job, error) {
	var unchanged model.Job
	if current != nil {
		unchanged = current.Clone()
	}
	return unchanged, &model.ProtocolViolation{JobID: jobID, Reason: reason}
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
