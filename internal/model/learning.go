package model

// Bias is a detected systematic skew in scoring for a dimension, surfaced
// by the Learning Loop's detectBiases operation.
type Bias struct {
	Dimension   string  `json:"dimension"`
	Direction   string  `json:"direction"` // "over" or "under"
	Magnitude   float64 `json:"magnitude"`
	SampleCount int     `json:"sampleCount"`
}

// LearningState is the singleton, serializable snapshot the Judge reads at
// the start of every scoring call and the Learning Loop mutates via
// calibration. Value semantics: callers copy it out, never share a pointer
// into live state. See SPEC_FULL.md §4.8.
type LearningState struct {
	// WeightModifiers is additive, per-dimension, bounded to [-ModifierBound, ModifierBound].
	WeightModifiers map[string]float64 `json:"weightModifiers"`
	// VerdictCounts counts processed feedback records by the verdict of the
	// judgment each one critiques.
	VerdictCounts map[Verdict]int64 `json:"verdictCounts"`
	Biases        []Bias            `json:"biases"`
	// CalibrationCount is incremented every time calibrate() runs.
	CalibrationCount int64 `json:"calibrationCount"`
}

// ModifierBound is the clamp applied to every per-dimension weight modifier.
const ModifierBound = 0.25

// NewLearningState returns a zero-valued, fully initialized LearningState
// with every known dimension present (as 0) in WeightModifiers.
func NewLearningState() *LearningState {
	mods := make(map[string]float64, len(Dimensions))
	for _, d := range Dimensions {
		mods[d] = 0
	}
	return &LearningState{
		WeightModifiers: mods,
		VerdictCounts:   make(map[Verdict]int64),
	}
}

// Clone returns a deep copy, preserving the value-semantics contract: the
// Judge's cached snapshot and the Learning Loop's working copy never alias
// the same maps.
func (s *LearningState) Clone() *LearningState {
	if s == nil {
		return NewLearningState()
	}
	out := &LearningState{
		WeightModifiers:  make(map[string]float64, len(s.WeightModifiers)),
		VerdictCounts:    make(map[Verdict]int64, len(s.VerdictCounts)),
		Biases:           append([]Bias(nil), s.Biases...),
		CalibrationCount: s.CalibrationCount,
	}
	for k, v := range s.WeightModifiers {
		out.WeightModifiers[k] = v
	}
	for k, v := range s.VerdictCounts {
		out.VerdictCounts[k] = v
	}
	return out
}
