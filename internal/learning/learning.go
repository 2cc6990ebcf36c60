// Package learning implements the Learning Loop: accumulates feedback,
// periodically calibrates the Judge's per-dimension weight modifiers, and
// detects systematic scoring biases. Grounded on the teacher's
// internal/billing/metering.go accumulate-then-flush shape — buffer
// observations in memory, flush/derive state once a threshold is crossed
// — generalized from usage metering to feedback-driven calibration.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/storage"
)

// Config controls calibration thresholds and step sizes.
type Config struct {
	// AutoCalibrate enables automatic calibration once the feedback
	// backlog reaches CalibrateThreshold.
	AutoCalibrate      bool
	CalibrateThreshold int
	// StepSize bounds how far one calibration pass can move a single
	// dimension's modifier, before the ModifierBound clamp.
	StepSize float64
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.CalibrateThreshold <= 0 {
		c.CalibrateThreshold = 21
	}
	if c.StepSize <= 0 {
		c.StepSize = 0.02
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// pendingFeedback pairs a Feedback record with the Judgment it critiques,
// so calibrate() can weigh residuals by each dimension's contribution.
type pendingFeedback struct {
	feedback model.Feedback
	judgment model.Judgment
}

// CalibrationResult is the outcome of one calibrate() call.
type CalibrationResult struct {
	Updated bool
	Delta   map[string]float64 // per-dimension modifier change applied
}

// ProcessResult is the outcome of one processFeedback() call.
type ProcessResult struct {
	Stats       map[model.Verdict]int64
	Calibration *CalibrationResult
	Biases      []model.Bias
}

// Loop owns the in-memory LearningState the Judge reads and periodically
// snapshots it to Persistence. Reads and writes of the state both take mu:
// GetState returns a Clone made under mu, and Calibrate swaps in the new
// state under mu, so reads are not lock-free.
type Loop struct {
	store storage.Persistence
	cfg   Config

	mu      sync.Mutex
	state   *model.LearningState
	backlog []pendingFeedback
}

// New constructs a Loop. Call Init before use.
func New(store storage.Persistence, cfg Config) *Loop {
	return &Loop{store: store, cfg: cfg.withDefaults()}
}

// Init loads the persisted LearningState, or starts from a fresh zero
// state if none has been saved yet.
func (l *Loop) Init(ctx context.Context) error {
	s, err := l.store.LoadLearningState(ctx)
	if err != nil {
		s = model.NewLearningState()
	} else if s == nil {
		s = model.NewLearningState()
	}
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	return nil
}

// GetState returns a value-semantics snapshot of the current LearningState.
// Safe to call without external synchronization; the Judge uses this as
// its per-scoring-call snapshot.
func (l *Loop) GetState() *model.LearningState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// ProcessFeedback records f against its originating Judgment j, updates the
// verdict-outcome counters, and auto-calibrates once the backlog reaches
// the configured threshold.
func (l *Loop) ProcessFeedback(ctx context.Context, f model.Feedback, j model.Judgment) (ProcessResult, error) {
	id, err := l.store.StoreFeedback(ctx, f)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("learning: store feedback: %w", err)
	}
	f.ID = id

	l.mu.Lock()
	if l.state.VerdictCounts == nil {
		l.state.VerdictCounts = make(map[model.Verdict]int64)
	}
	l.state.VerdictCounts[j.Verdict]++
	l.backlog = append(l.backlog, pendingFeedback{feedback: f, judgment: j})
	backlogLen := len(l.backlog)
	stats := cloneVerdictCounts(l.state.VerdictCounts)
	l.mu.Unlock()

	result := ProcessResult{Stats: stats}

	if l.cfg.AutoCalibrate && backlogLen >= l.cfg.CalibrateThreshold {
		cal, err := l.Calibrate(ctx)
		if err != nil {
			l.cfg.Logger.Error("learning: auto-calibration failed", "error", err)
		} else {
			result.Calibration = &cal
			result.Biases = l.DetectBiases()
		}
	}

	return result, nil
}

// Calibrate computes, for each dimension, the mean signed residual between
// observed actualScore and the judge's qScore across the pending feedback
// backlog, weighted by how much that dimension contributed to the
// judgment's composite score. Modifiers are nudged by a bounded step in
// the residual's direction, clamped to model.ModifierBound, then persisted.
// The backlog is drained after a successful calibration.
func (l *Loop) Calibrate(ctx context.Context) (CalibrationResult, error) {
	l.mu.Lock()
	backlog := l.backlog
	l.backlog = nil
	state := l.state.Clone()
	l.mu.Unlock()

	if len(backlog) == 0 {
		return CalibrationResult{}, nil
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, pf := range backlog {
		if pf.feedback.ActualScore == nil {
			continue
		}
		residual := *pf.feedback.ActualScore - float64(pf.judgment.QScore)
		for dim, score := range pf.judgment.DimensionScores {
			weight := score // a dimension's own score approximates its contribution weight
			sums[dim] += residual * weight
			counts[dim]++
		}
	}

	delta := make(map[string]float64, len(sums))
	for dim, sum := range sums {
		if counts[dim] == 0 {
			continue
		}
		mean := sum / float64(counts[dim])
		step := clampAbs(mean/100*l.cfg.StepSize, l.cfg.StepSize)
		if step == 0 {
			continue
		}
		current := state.WeightModifiers[dim]
		next := clamp(current+step, -model.ModifierBound, model.ModifierBound)
		delta[dim] = next - current
		state.WeightModifiers[dim] = next
	}

	state.CalibrationCount++

	if err := l.store.SaveLearningState(ctx, state); err != nil {
		l.mu.Lock()
		l.backlog = append(backlog, l.backlog...)
		l.mu.Unlock()
		return CalibrationResult{}, fmt.Errorf("learning: save state: %w", err)
	}

	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	return CalibrationResult{Updated: len(delta) > 0, Delta: delta}, nil
}

// DetectBiases reports, for each dimension with a non-zero modifier, the
// direction and magnitude of the systematic skew calibration has already
// corrected for.
func (l *Loop) DetectBiases() []model.Bias {
	l.mu.Lock()
	defer l.mu.Unlock()

	var biases []model.Bias
	for _, dim := range model.Dimensions {
		mod := l.state.WeightModifiers[dim]
		if mod == 0 {
			continue
		}
		direction := "under"
		if mod < 0 {
			direction = "over"
		}
		biases = append(biases, model.Bias{
			Dimension:   dim,
			Direction:   direction,
			Magnitude:   absFloat(mod),
			SampleCount: int(l.state.CalibrationCount),
		})
	}
	l.state.Biases = biases
	return biases
}

// Reset discards the in-memory backlog and LearningState, reverting to a
// fresh zero state, then persists it.
func (l *Loop) Reset(ctx context.Context) error {
	fresh := model.NewLearningState()
	if err := l.store.SaveLearningState(ctx, fresh); err != nil {
		return fmt.Errorf("learning: reset: %w", err)
	}
	l.mu.Lock()
	l.state = fresh
	l.backlog = nil
	l.mu.Unlock()
	return nil
}

func cloneVerdictCounts(m map[model.Verdict]int64) map[model.Verdict]int64 {
	out := make(map[model.Verdict]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampAbs(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
