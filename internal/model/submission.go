package model

// Track is one of the four stem tracks pre-allocated for a submission
type Track struct {
	TrackID int  `json:"track_id"`
	Name    Stem `json:"name"`
}

// Submission represents one uploaded piece of music plus the stem selection
// the user wants mixed into the final track. Selection is attached once, at
// dispatch time; re-submission is rejected.
type Submission struct {
	SubmissionID int     `json:"music_id"`
	Name         string  `json:"name"`
	Band         string  `json:"band"`
	Tracks       []Track `json:"tracks"`

	// Raw holds the uploaded audio bytes so dispatch can run from the
	// stored track. Never serialized.
	Raw []byte `json:"-"`

	// Selection is the set of stems chosen for the final mix, set exactly
	// once by a successful dispatch claim.
	Selection []Stem `json:"-"`
}
