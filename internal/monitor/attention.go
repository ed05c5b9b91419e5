package monitor

import (
	"strings"

	"govmon/internal/config"
	"govmon/internal/dynamics"
)

// Complexity derivation weights. The derived value is a bounded weighted
// sum of text signals; when the caller also self-reports complexity the
// higher of the two is used.
//
//	0.35  normalized length share (10 kB saturates)
//	0.20  code-block presence
//	0.25  technical keyword density
//	0.20  coherence delta since the previous update
const (
	complexityLengthWeight  = 0.35
	complexityCodeWeight    = 0.20
	complexityKeywordWeight = 0.25
	complexityDeltaWeight   = 0.20

	lengthSaturation = 10000.0 // bytes at which length share reaches 1
)

// technicalKeywords are the signals counted for keyword density. Matching
// is case-insensitive on whole words.
var technicalKeywords = []string{
	"refactor", "concurrency", "deadlock", "race", "mutex", "panic",
	"recursion", "algorithm", "optimize", "latency", "throughput",
	"migration", "schema", "transaction", "rollback", "protocol",
	"serialization", "invariant", "regression", "heuristic",
}

// textSignals holds the reusable text measurements for one update.
type textSignals struct {
	length       int
	lengthShare  float64 // length / saturation, clipped
	hasCodeBlock bool
	keywordCount int
	keywordRisk  float64 // keywordCount / 8, clipped
}

func analyzeText(text string) textSignals {
	sig := textSignals{length: len(text)}
	sig.lengthShare = dynamics.Clip01(float64(len(text)) / lengthSaturation)
	sig.hasCodeBlock = strings.Contains(text, "```")

	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}
	for _, kw := range technicalKeywords {
		if seen[kw] {
			sig.keywordCount++
		}
	}
	sig.keywordRisk = dynamics.Clip01(float64(sig.keywordCount) / 8.0)
	return sig
}

// deriveComplexity computes the server-side complexity estimate from the
// text signals and the coherence movement since the previous update.
func deriveComplexity(sig textSignals, coherenceDelta float64) float64 {
	code := 0.0
	if sig.hasCodeBlock {
		code = 1.0
	}
	return dynamics.Clip01(
		complexityLengthWeight*sig.lengthShare +
			complexityCodeWeight*code +
			complexityKeywordWeight*sig.keywordRisk +
			complexityDeltaWeight*dynamics.Clip01(abs(coherenceDelta)))
}

// effectiveComplexity combines the self-reported and derived values:
// the higher wins when both exist, as defense against under-reporting.
// An optional confidence discounts the self-report toward the derived
// estimate first, so a hesitant high report moves the needle less than
// a confident one.
func effectiveComplexity(selfReported, confidence *float64, derived float64) float64 {
	if selfReported == nil {
		return derived
	}
	self := dynamics.Clip01(*selfReported)
	if confidence != nil {
		c := dynamics.Clip01(*confidence)
		self = c*self + (1-c)*derived
	}
	if self > derived {
		return self
	}
	return derived
}

// phi is the primary attention component: a bounded blend of length
// risk, complexity, coherence gap, and keyword count, each rescaled to
// [0,1]. Weights come from the threshold store so they remain tunable.
func phi(sig textSignals, complexity, coherence float64, th config.Thresholds) float64 {
	lengthRisk := dynamics.Clip01(float64(sig.length) / 20000.0)
	coherenceGap := dynamics.Clip01(1 - coherence)
	return dynamics.Clip01(
		th.PhiLengthWeight*lengthRisk +
			th.PhiComplexityWeight*complexity +
			th.PhiCoherenceWeight*coherenceGap +
			th.PhiKeywordWeight*sig.keywordRisk)
}

// legacyHeuristic is the pre-phi attention formula, retained for
// continuity so long-running deployments keep comparable histories.
func legacyHeuristic(sig textSignals, complexity, coherence, entropy float64) float64 {
	return dynamics.Clip01(
		0.4*complexity +
			0.3*(1-coherence) +
			0.2*sig.lengthShare +
			0.1*entropy)
}

// attentionScore blends phi and the legacy heuristic. Exposed to clients
// both as attention_score and as the deprecated risk_score alias; the
// two must stay equal.
func attentionScore(phiVal, legacy float64, th config.Thresholds) float64 {
	return dynamics.Clip01(th.PhiWeight*phiVal + th.LegacyWeight*legacy)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
