package model

import "time"

// Job is the bookkeeping record for one dispatched chunk-task. A Job is
// immutable once CompletedAt is set; CompletedAt and DerivedTrackIDs
// transition together, exactly once, when the task succeeds.
type Job struct {
	JobID           int        `json:"job_id"`
	Size            int        `json:"size"` // byte length of the dispatched payload
	CompletedAt     *time.Time `json:"time"`
	SubmissionID    int        `json:"music_id"`
	DerivedTrackIDs []int      `json:"track_id"`
}

// Completed reports whether the job's chunk-task has succeeded
func (j *Job) Completed() bool {
	return j.CompletedAt != nil
}
