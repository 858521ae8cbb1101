package model

// Stem types produced by the separation worker
type Stem string

const (
	StemBass   Stem = "bass"
	StemDrums  Stem = "drums"
	StemVocals Stem = "vocals"
	StemOther  Stem = "other"
)

// AllStems is the closed set of stem types, in the order they appear in
// Progress responses.
var AllStems = []Stem{StemBass, StemDrums, StemVocals, StemOther}

// IsValidStem reports whether s is one of the known stem types
func IsValidStem(s Stem) bool {
	for _, stem := range AllStems {
		if s == stem {
			return true
		}
	}
	return false
}
