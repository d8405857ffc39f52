// Package filters implements the three-stage pipeline applied to every
// candidate that bypasses or has exited confirmation: quality scoring,
// cooldown, and defensive (manipulation) screening.
package filters

import (
	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

// QualityFilter scores a candidate with a pattern-specific weighted
// formula and passes it iff the normalized score clears
// min_quality_score.
type QualityFilter struct {
	cfg      *config.Config
	maxWeight float64
}

// NewQualityFilter precomputes the largest configured weight so Score can
// normalize every pattern's weighted subscore onto the same [0,1] scale.
func NewQualityFilter(cfg *config.Config) *QualityFilter {
	max := 1.0
	for _, w := range cfg.QualityWeights {
		if w > max {
			max = w
		}
	}
	return &QualityFilter{cfg: cfg, maxWeight: max}
}

// Score computes the normalized [0,1] quality score for c.
func (q *QualityFilter) Score(c types.Candidate) float64 {
	weight, ok := q.cfg.QualityWeights[weightKey(c.Pattern)]
	if !ok {
		weight = 1.0
	}
	sub := q.subscore(c)
	score := (weight / q.maxWeight) * sub
	return clamp01(score)
}

// Pass reports whether c clears the configured minimum quality score.
func (q *QualityFilter) Pass(c types.Candidate) bool {
	return q.Score(c) >= q.cfg.SignalQualityThreshold
}

// weightKey maps a few pattern variants onto a single shared weight key
// (ICEBERG_BUY/SELL -> ICEBERG, etc.).
func weightKey(p types.Pattern) string {
	switch p {
	case types.PatternIcebergBuy, types.PatternIcebergSell:
		return "ICEBERG"
	case types.PatternPressureBuy:
		return "PRESSAO_COMPRA"
	case types.PatternPressureSell:
		return "PRESSAO_VENDA"
	default:
		return string(p)
	}
}

// subscore computes the pattern-specific [0,1] subscore the weight
// multiplies. Patterns outside the named weight table (book dynamics,
// institutional, hidden liquidity, multiframe, trap, regime) fall back to
// the detector's own 1..10 strength score normalized to [0,1].
func (q *QualityFilter) subscore(c types.Candidate) float64 {
	switch d := c.Detail.(type) {
	case types.AbsorptionDetail:
		volumeScore := clamp01(float64(c.Volume) / float64(2*q.cfg.AbsorptionThreshold))
		return clamp01((volumeScore + d.Concentration) / 2.0)
	case types.IcebergDetail:
		return clamp01(float64(d.Repetitions) / float64(2*q.cfg.IcebergRepetitions))
	case types.PressureDetail:
		return clamp01(d.Ratio)
	case types.MomentumDetail:
		threshold := q.cfg.DivergenceThreshold
		if c.Pattern == types.PatternMomentumExtrm {
			threshold = q.cfg.ExtremeThreshold
		}
		return clamp01(absF(d.CVDRoC) / (2 * threshold))
	case types.VolumeSpikeDetail:
		return clamp01(d.Multiplier / (2 * q.cfg.SpikeMultiplier))
	case types.PaceDetail:
		if d.Baseline == 0 {
			return clamp01(float64(c.Strength) / 10.0)
		}
		return clamp01(absF(d.Pace-d.Baseline) / d.Baseline)
	default:
		return clamp01(float64(c.Strength) / 10.0)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
