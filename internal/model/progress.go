package model

// InstrumentLink pairs a stem type with the link to its reassembled track.
// The link is empty while the submission is still in progress.
type InstrumentLink struct {
	Name  Stem   `json:"name"`
	Track string `json:"track"`
}

// Progress is the externally observable completion snapshot for a submission.
// It is recomputed from live task state on every poll until the first time it
// reaches 100% with a successful reassembly; from then on the frozen value is
// returned verbatim.
type Progress struct {
	Progress    int              `json:"progress"`
	Instruments []InstrumentLink `json:"instruments"`
	Final       string           `json:"final"`

	// Failed marks a submission whose chunk-task reported a terminal
	// failure. Such a submission never reaches 100%.
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PendingProgress builds the in-progress shape: numeric percent, one empty
// link per stem type, empty final link.
func PendingProgress(percent int) *Progress {
	instruments := make([]InstrumentLink, 0, len(AllStems))
	for _, stem := range AllStems {
		instruments = append(instruments, InstrumentLink{Name: stem})
	}
	return &Progress{
		Progress:    percent,
		Instruments: instruments,
	}
}

// FailedProgress builds the terminal-failure shape carried by submissions
// with a failed chunk-task.
func FailedProgress(percent int, reason string) *Progress {
	p := PendingProgress(percent)
	p.Failed = true
	p.Error = reason
	return p
}
