// Package chunk plans and cuts time-bounded chunks out of an uploaded track
package chunk

// Duration breakpoints, in milliseconds. The step function balances
// per-task dispatch overhead against queue depth: short tracks ship as a
// single task, long tracks cap out at two-minute chunks.
const (
	singleChunkMaxMs = 10_000
	shortTrackMaxMs  = 60_000
	mediumTrackMaxMs = 300_000
	longTrackMaxMs   = 600_000

	shortChunkMs  = 10_000
	mediumChunkMs = 30_000
	longChunkMs   = 60_000
	maxChunkMs    = 120_000
)

// PlanDuration returns the target chunk duration for a track of the given
// total duration. Monotone step function; the result is always > 0 for a
// positive input.
func PlanDuration(totalMs int64) int64 {
	switch {
	case totalMs <= singleChunkMaxMs:
		return totalMs
	case totalMs <= shortTrackMaxMs:
		return shortChunkMs
	case totalMs <= mediumTrackMaxMs:
		return mediumChunkMs
	case totalMs <= longTrackMaxMs:
		return longChunkMs
	default:
		return maxChunkMs
	}
}
