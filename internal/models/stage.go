package models

// Stage is a FileJob's position in the processing pipeline.
type Stage string

const (
	StageUploaded   Stage = "uploaded"
	StageExtracted  Stage = "extracted"
	StageRecognized Stage = "recognized"
	StageEnhanced   Stage = "enhanced"
	StageFormatted  Stage = "formatted"
	StageFailed     Stage = "failed"
)

// Stages lists every stage in pipeline order, Failed last.
var Stages = []Stage{
	StageUploaded,
	StageExtracted,
	StageRecognized,
	StageEnhanced,
	StageFormatted,
	StageFailed,
}

// transitions is the complete set of legal forward moves. A retry re-runs
// the current stage and therefore never appears here.
var transitions = map[Stage][]Stage{
	StageUploaded:   {StageExtracted, StageFailed},
	StageExtracted:  {StageRecognized, StageFailed},
	StageRecognized: {StageEnhanced, StageFailed},
	StageEnhanced:   {StageFormatted, StageFailed},
	StageFormatted:  nil,
	StageFailed:     nil,
}

// CanTransition reports whether a FileJob may move from one stage to another.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageFormatted || s == StageFailed
}

// Done reports whether the stage is the successful terminal stage.
func (s Stage) Done() bool {
	return s == StageFormatted
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Progress is the share of the pipeline a FileJob has covered, in percent.
// Failed counts as fully covered so aggregate progress reaches 100 once
// every job is terminal.
func (s Stage) Progress() int {
	switch s {
	case StageUploaded:
		return 0
	case StageExtracted:
		return 25
	case StageRecognized:
		return 50
	case StageEnhanced:
		return 75
	case StageFormatted, StageFailed:
		return 100
	default:
		return 0
	}
}
