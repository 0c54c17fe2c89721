package progress

// Stage is one ordered phase of a generation run.
type Stage string

const (
	StageConnecting Stage = "connecting"
	StageIngesting  Stage = "ingesting"
	StageAnalyzing  Stage = "analyzing"
	StageGenerating Stage = "generating"
	StageReady      Stage = "ready"
)

var stageOrder = map[Stage]int{
	StageConnecting: 0,
	StageIngesting:  1,
	StageAnalyzing:  2,
	StageGenerating: 3,
	StageReady:      4,
}

// Index returns the stage's position in the fixed order, or -1 for an
// unrecognized stage.
func (s Stage) Index() int {
	if idx, ok := stageOrder[s]; ok {
		return idx
	}
	return -1
}

// Valid reports whether the stage is one of the fixed ordered set.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Before reports whether s precedes other in the fixed order.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}
