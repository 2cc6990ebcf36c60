// Package judge implements the deterministic multi-dimensional rubric
// scorer described in SPEC_FULL.md §4.1. Grounded on the teacher's
// internal/service/quality.Score, generalized from one weighted heuristic
// to the full ~25-dimension / 4-axiom table.
package judge

import (
	"fmt"
	"math"
	"sort"

	"github.com/hantei-ai/hantei/internal/model"
)

// goldenReciprocal is 1/φ ≈ 0.618, used as the default upper verdict
// threshold; its complement ≈0.382 is the default lower threshold. These
// are the spec's recommended defaults (SPEC_FULL.md §4.1 step 5).
const goldenReciprocal = 0.6180339887498949

// Config holds the scoring thresholds and weights the Judge consults.
// All fields have spec-recommended defaults via NewConfig.
type Config struct {
	MaxConfidence     float64
	ConcernThreshold  float64 // dimension scores below this are "weaknesses"
	VerdictThresholds VerdictThresholds
	AxiomWeights      map[string]float64
	// DimensionWeights overrides a dimension's contribution to its axiom's
	// mean. A dimension absent from the map weighs 1. Nil means every
	// dimension within an axiom weighs equally (SPEC_FULL.md §6
	// "dimensionWeights" config key).
	DimensionWeights map[string]float64
}

// VerdictThresholds are the qScore boundaries separating the four verdict
// bands, expressed as three cut points.
type VerdictThresholds struct {
	AcceptAt       int // qScore >= this -> at least "accept"
	StrongAcceptAt int // qScore >= this -> "strong-accept"
	ConcernAt      int // qScore >= this (and below AcceptAt) -> "concern"; below -> "reject"
}

// NewConfig returns the spec-recommended defaults: maxConfidence 0.618,
// verdict bands split at the golden-ratio-reciprocal points (~0.382, ~0.618).
func NewConfig() Config {
	lower := int(math.Round((1 - goldenReciprocal) * 100))
	upper := int(math.Round(goldenReciprocal * 100))
	return Config{
		MaxConfidence:    goldenReciprocal,
		ConcernThreshold: 0.4,
		VerdictThresholds: VerdictThresholds{
			ConcernAt:      lower,
			AcceptAt:       upper,
			StrongAcceptAt: 85,
		},
		AxiomWeights: model.AxiomWeights,
	}
}

// Judge scores items deterministically and synchronously. See
// SPEC_FULL.md §4.1.
type Judge struct {
	cfg Config
}

// New constructs a Judge with cfg. Pass judge.NewConfig() for the
// spec-recommended defaults.
func New(cfg Config) *Judge {
	return &Judge{cfg: cfg}
}

// Score turns item and ctx into a fully populated Judgment, minus the
// fields the pipeline assigns (id, createdAt, blockSlot, userId,
// sessionId). Pure, deterministic, no I/O.
func (j *Judge) Score(item model.Item, ctx model.Context) (model.Judgment, error) {
	if err := item.Validate(); err != nil {
		return model.Judgment{}, fmt.Errorf("InvalidInput: %w", err)
	}

	dims := make(map[string]float64, len(model.Dimensions))
	for _, name := range model.Dimensions {
		var raw float64
		if pinned, ok := item.Scores[name]; ok {
			raw = clamp01(pinned)
		} else {
			raw = scorers[name](item)
		}
		raw = applyModifier(raw, name, ctx.LearningState)
		dims[name] = raw
	}

	axioms := aggregateAxioms(dims, j.cfg.DimensionWeights)
	qScore := composite(axioms, j.cfg.AxiomWeights)
	verdict := j.verdictFor(qScore)
	confidence := j.confidenceFor(qScore, axioms)
	weaknesses := j.weaknessesFor(dims)

	return model.Judgment{
		ItemType:        item.Type,
		ItemContent:     item.Content,
		DimensionScores: dims,
		AxiomScores:     axioms,
		QScore:          qScore,
		Verdict:         verdict,
		Confidence:      confidence,
		Weaknesses:      weaknesses,
	}, nil
}

// applyModifier adds the learning state's per-dimension weight modifier
// (additive, then clamped to [0,1]) per SPEC_FULL.md §4.1 step 2.
func applyModifier(raw float64, dim string, ls *model.LearningState) float64 {
	if ls == nil {
		return raw
	}
	return clamp01(raw + ls.WeightModifiers[dim])
}

// aggregateAxioms computes each axiom as the weighted mean of its member
// dimensions' scores, per SPEC_FULL.md §4.1 step 3. A dimension missing from
// weights contributes weight 1, so a nil or empty weights map degenerates to
// the unweighted mean.
func aggregateAxioms(dims map[string]float64, weights map[string]float64) map[string]float64 {
	sums := make(map[string]float64, len(model.Axioms))
	totalWeights := make(map[string]float64, len(model.Axioms))
	for dim, score := range dims {
		axiom := model.DimensionAxiom[dim]
		w := 1.0
		if v, ok := weights[dim]; ok {
			w = v
		}
		sums[axiom] += score * w
		totalWeights[axiom] += w
	}
	out := make(map[string]float64, len(model.Axioms))
	for _, axiom := range model.Axioms {
		if totalWeights[axiom] == 0 {
			out[axiom] = 0
			continue
		}
		out[axiom] = sums[axiom] / totalWeights[axiom]
	}
	return out
}

// composite computes qScore = round(100 * weightedMean(axiomScores)).
func composite(axioms map[string]float64, weights map[string]float64) int {
	var weighted float64
	for axiom, score := range axioms {
		weighted += score * weights[axiom]
	}
	return int(math.Round(100 * weighted))
}

func (j *Judge) verdictFor(qScore int) model.Verdict {
	t := j.cfg.VerdictThresholds
	switch {
	case qScore >= t.StrongAcceptAt:
		return model.VerdictStrongAccept
	case qScore >= t.AcceptAt:
		return model.VerdictAccept
	case qScore >= t.ConcernAt:
		return model.VerdictConcern
	default:
		return model.VerdictReject
	}
}

// confidenceFor computes a confidence monotone in both qScore and
// cross-axiom agreement, capped at maxConfidence. The exact formula is an
// implementation choice per spec §9; see DESIGN.md's Open Question
// decision.
func (j *Judge) confidenceFor(qScore int, axioms map[string]float64) float64 {
	agreement := 1 - axiomStdDev(axioms)
	raw := clamp01(float64(qScore) / 100 * agreement)
	return math.Min(j.cfg.MaxConfidence, raw*j.cfg.MaxConfidence)
}

func axiomStdDev(axioms map[string]float64) float64 {
	if len(axioms) == 0 {
		return 0
	}
	var mean float64
	for _, v := range axioms {
		mean += v
	}
	mean /= float64(len(axioms))

	var variance float64
	for _, v := range axioms {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(axioms))
	return math.Sqrt(variance)
}

// weaknessesFor enumerates dimensions below the concern threshold, sorted
// ascending by score, per SPEC_FULL.md §4.1 step 7.
func (j *Judge) weaknessesFor(dims map[string]float64) []model.Weakness {
	var out []model.Weakness
	for _, name := range model.Dimensions {
		score := dims[name]
		if score < j.cfg.ConcernThreshold {
			out = append(out, model.Weakness{
				Dimension: name,
				Score:     score,
				Deficit:   j.cfg.ConcernThreshold - score,
			})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Score < out[k].Score })
	return out
}
