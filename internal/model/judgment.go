package model

import "time"

// Verdict is the discrete category assigned to a judgment from its
// composite qScore.
type Verdict string

const (
	VerdictStrongAccept Verdict = "strong-accept"
	VerdictAccept       Verdict = "accept"
	VerdictConcern      Verdict = "concern"
	VerdictReject       Verdict = "reject"
)

// Axiom names. Fixed per SPEC_FULL.md §3 — every Judgment's axiomScores map
// has exactly these four keys.
const (
	AxiomRigor     = "rigor"
	AxiomClarity   = "clarity"
	AxiomIntegrity = "integrity"
	AxiomUtility   = "utility"
)

// Axioms lists the four axioms in a fixed, stable order.
var Axioms = []string{AxiomRigor, AxiomClarity, AxiomIntegrity, AxiomUtility}

// Dimension names: the fixed ~25-entry scoring rubric, grouped into the
// four axioms above by DimensionAxiom.
const (
	DimCitationPresence     = "citation_presence"
	DimSourceDiversity      = "source_diversity"
	DimSourceRecency        = "source_recency"
	DimVerifiedFlag         = "verified_flag"
	DimLogicalStructure     = "logical_structure"
	DimInternalConsistency  = "internal_consistency"
	DimQuantification       = "quantification"
	DimCounterargument      = "counterargument"
	DimSyntacticValidity    = "syntactic_validity"
	DimSpecificity          = "specificity"
	DimAmbiguity            = "ambiguity"
	DimReadability          = "readability"
	DimStructureMarkers     = "structure_markers"
	DimTerminologyConsist   = "terminology_consistency"
	DimLengthBalance        = "length_balance"
	DimRedundancy           = "redundancy"
	DimHedgingBalance       = "hedging_balance"
	DimOverclaiming         = "overclaiming"
	DimSelfContradiction    = "self_contradiction"
	DimSourceIntegrity      = "source_integrity"
	DimToxicLanguage        = "toxic_language"
	DimActionability        = "actionability"
	DimRelevance            = "relevance"
	DimNovelty              = "novelty"
	DimCompleteness         = "completeness"
)

// Dimensions lists all dimension names in a fixed, stable order matching
// the order they are scored in.
var Dimensions = []string{
	DimCitationPresence, DimSourceDiversity, DimSourceRecency, DimVerifiedFlag,
	DimLogicalStructure, DimInternalConsistency, DimQuantification, DimCounterargument,
	DimSyntacticValidity, DimSpecificity, DimAmbiguity, DimReadability,
	DimStructureMarkers, DimTerminologyConsist, DimLengthBalance, DimRedundancy,
	DimHedgingBalance, DimOverclaiming, DimSelfContradiction, DimSourceIntegrity,
	DimToxicLanguage, DimActionability, DimRelevance, DimNovelty, DimCompleteness,
}

// DimensionAxiom maps each dimension to the axiom it aggregates into.
var DimensionAxiom = map[string]string{
	DimCitationPresence:    AxiomIntegrity,
	DimSourceDiversity:     AxiomIntegrity,
	DimSourceRecency:       AxiomIntegrity,
	DimVerifiedFlag:        AxiomIntegrity,
	DimSourceIntegrity:     AxiomIntegrity,
	DimOverclaiming:        AxiomIntegrity,

	DimLogicalStructure:    AxiomRigor,
	DimInternalConsistency: AxiomRigor,
	DimQuantification:      AxiomRigor,
	DimCounterargument:     AxiomRigor,
	DimSyntacticValidity:   AxiomRigor,
	DimSelfContradiction:   AxiomRigor,

	DimSpecificity:         AxiomClarity,
	DimAmbiguity:           AxiomClarity,
	DimReadability:         AxiomClarity,
	DimStructureMarkers:    AxiomClarity,
	DimTerminologyConsist:  AxiomClarity,
	DimHedgingBalance:      AxiomClarity,

	DimLengthBalance: AxiomUtility,
	DimRedundancy:    AxiomUtility,
	DimToxicLanguage: AxiomUtility,
	DimActionability: AxiomUtility,
	DimRelevance:     AxiomUtility,
	DimNovelty:       AxiomUtility,
	DimCompleteness:  AxiomUtility,
}

// AxiomWeights are the fixed weights (summing to 1) used to combine axiom
// scores into the composite qScore.
var AxiomWeights = map[string]float64{
	AxiomRigor:     0.30,
	AxiomClarity:   0.20,
	AxiomIntegrity: 0.30,
	AxiomUtility:   0.20,
}

// Weakness is a dimension whose score fell below the configured concern
// threshold, paired with its deficit below that threshold.
type Weakness struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Deficit   float64 `json:"deficit"`
}

// Judgment is the immutable output of scoring one Item. See SPEC_FULL.md §3.
type Judgment struct {
	ID              string             `json:"id"`
	ItemType        string             `json:"itemType"`
	ItemContent     string             `json:"itemContent"`
	DimensionScores map[string]float64 `json:"dimensionScores"`
	AxiomScores     map[string]float64 `json:"axiomScores"`
	QScore          int                `json:"qScore"`
	Verdict         Verdict            `json:"verdict"`
	Confidence      float64            `json:"confidence"`
	Weaknesses      []Weakness         `json:"weaknesses"`
	UserID          *string            `json:"userId,omitempty"`
	SessionID       *string            `json:"sessionId,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	BlockSlot       *int64             `json:"blockSlot,omitempty"`
}
