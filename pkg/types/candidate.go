package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Pattern is the closed set of tags a detector may attach to a Candidate.
type Pattern string

const (
	PatternAbsorption    Pattern = "ESCORA_DETECTADA"
	PatternExhaustion    Pattern = "EXHAUSTION"
	PatternIcebergBuy    Pattern = "ICEBERG_BUY"
	PatternIcebergSell   Pattern = "ICEBERG_SELL"
	PatternDivergenceLow Pattern = "DIVERGENCIA_BAIXA"
	PatternDivergenceHi  Pattern = "DIVERGENCIA_ALTA"
	PatternMomentumExtrm Pattern = "MOMENTUM_EXTREMO"
	PatternPressureBuy   Pattern = "PRESSAO_COMPRA"
	PatternPressureSell  Pattern = "PRESSAO_VENDA"
	PatternVolumeSpike   Pattern = "VOLUME_SPIKE"
	PatternPaceAnomaly   Pattern = "PACE_ANOMALY"

	PatternBookPulling      Pattern = "BOOK_PULLING"
	PatternBookStacking     Pattern = "BOOK_STACKING"
	PatternFlashOrder       Pattern = "FLASH_ORDER"
	PatternImbalanceShift   Pattern = "IMBALANCE_SHIFT"
	PatternInstitutional    Pattern = "INSTITUTIONAL_FOOTPRINT"
	PatternHiddenLiquidity  Pattern = "HIDDEN_LIQUIDITY"
	PatternMultiframeDiverg Pattern = "MULTIFRAME_DIVERGENCE"
	PatternMultiframeConflu Pattern = "MULTIFRAME_CONFLUENCE"
	PatternRegimeChange     Pattern = "REGIME_CHANGE"
	PatternHiddenAccum      Pattern = "HIDDEN_ACCUMULATION"
	PatternHiddenDistrib    Pattern = "HIDDEN_DISTRIBUTION"

	PatternBullTrap     Pattern = "BULL_TRAP"
	PatternBearTrap     Pattern = "BEAR_TRAP"
	PatternStopHunt     Pattern = "STOP_HUNT"
	PatternLiquidityTrp Pattern = "LIQUIDITY_TRAP"
	PatternSqueezeTrap  Pattern = "SQUEEZE_TRAP"
)

// Direction is the directional bias a candidate carries, when applicable.
type Direction string

const (
	DirectionBuy     Direction = "COMPRA"
	DirectionSell    Direction = "VENDA"
	DirectionNeutral Direction = ""
)

// Candidate is the tagged-union result of a pattern detector: a fixed
// envelope of fields every pattern shares, plus a typed Detail payload for
// the pattern-specific ones. Replaces the source's heterogeneous map.
type Candidate struct {
	Pattern    Pattern
	Instrument string
	Price      decimal.Decimal
	Volume     int64
	Timestamp  time.Time
	Strength   int
	Direction  Direction
	Confirmed  bool
	Detail     CandidateDetail
}

// CandidateDetail is implemented by the per-pattern-family payload structs.
// Fields() exposes the payload as a flat map only at the persistence/display
// boundary; internal code works with the concrete struct.
type CandidateDetail interface {
	Fields() map[string]interface{}
}

// GenericDetail is used by detectors whose payload is small enough not to
// warrant a dedicated struct, and as the decode target for persisted records.
type GenericDetail map[string]interface{}

func (g GenericDetail) Fields() map[string]interface{} { return map[string]interface{}(g) }

// AsMap flattens a Candidate into the map shape the persistence layer and
// display expect, merging the fixed envelope with the pattern-specific
// Detail fields.
func (c Candidate) AsMap() map[string]interface{} {
	patternTag := string(c.Pattern)
	if c.Confirmed {
		patternTag += "_CONFIRMED"
	}
	out := map[string]interface{}{
		"pattern":    patternTag,
		"instrument": c.Instrument,
		"price":      c.Price,
		"volume":     c.Volume,
		"timestamp":  c.Timestamp,
		"strength":   c.Strength,
	}
	if c.Direction != DirectionNeutral {
		out["direction"] = string(c.Direction)
	}
	if c.Confirmed {
		out["confirmed"] = true
	}
	if c.Detail != nil {
		for k, v := range c.Detail.Fields() {
			out[k] = v
		}
	}
	return out
}

// MarshalJSON implements the persistence-boundary conversion noted in the
// design notes: a Candidate flattens to one JSON object, never a nested
// tagged union.
func (c Candidate) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.AsMap())
}

// AbsorptionDetail carries the fields specific to ESCORA_DETECTADA/EXHAUSTION.
type AbsorptionDetail struct {
	Concentration float64 `json:"concentration"`
	Type          string  `json:"type"`
}

func (d AbsorptionDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"concentration": d.Concentration, "type": d.Type}
}

// IcebergDetail carries the fields specific to ICEBERG_BUY/SELL.
type IcebergDetail struct {
	Repetitions int             `json:"repetitions"`
	UnitVolume  decimal.Decimal `json:"unit_volume"`
}

func (d IcebergDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"repetitions": d.Repetitions, "unit_volume": d.UnitVolume}
}

// MomentumDetail carries the fields specific to divergence/momentum patterns.
type MomentumDetail struct {
	CVDRoC     float64 `json:"cvd_roc"`
	PriceTrend int     `json:"price_trend"`
}

func (d MomentumDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"cvd_roc": d.CVDRoC, "price_trend": d.PriceTrend}
}

// PressureDetail carries the fields specific to PRESSAO_COMPRA/VENDA.
type PressureDetail struct {
	Ratio  float64 `json:"ratio"`
	Volume int64   `json:"volume"`
}

func (d PressureDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"ratio": d.Ratio, "volume": d.Volume}
}

// VolumeSpikeDetail carries the fields specific to VOLUME_SPIKE.
type VolumeSpikeDetail struct {
	Multiplier float64 `json:"multiplier"`
	Median     float64 `json:"median"`
}

func (d VolumeSpikeDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"multiplier": d.Multiplier, "median": d.Median}
}

// PaceDetail carries the fields specific to PACE_ANOMALY.
type PaceDetail struct {
	Pace      float64 `json:"pace"`
	Baseline  float64 `json:"baseline"`
	Direction string  `json:"direction"`
}

func (d PaceDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"pace": d.Pace, "baseline": d.Baseline, "direction": d.Direction}
}

// BookDynamicsDetail carries the fields specific to BOOK_PULLING/STACKING/
// FLASH_ORDER/IMBALANCE_SHIFT.
type BookDynamicsDetail struct {
	Side       string          `json:"side"`
	FromVolume int64           `json:"from_volume"`
	ToVolume   int64           `json:"to_volume"`
	Imbalance  float64         `json:"imbalance,omitempty"`
	LevelPrice decimal.Decimal `json:"level_price"`
}

func (d BookDynamicsDetail) Fields() map[string]interface{} {
	return map[string]interface{}{
		"side": d.Side, "from_volume": d.FromVolume, "to_volume": d.ToVolume,
		"imbalance": d.Imbalance, "level_price": d.LevelPrice,
	}
}

// InstitutionalDetail carries the fields specific to INSTITUTIONAL_FOOTPRINT.
type InstitutionalDetail struct {
	Score     float64 `json:"score"`
	Operation string  `json:"operation"`
	Style     string  `json:"style"`
}

func (d InstitutionalDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"score": d.Score, "operation": d.Operation, "style": d.Style}
}

// HiddenLiquidityDetail carries the fields specific to HIDDEN_LIQUIDITY.
type HiddenLiquidityDetail struct {
	Methods       []string `json:"methods"`
	Confidence    float64  `json:"confidence"`
	HiddenVolume  int64    `json:"hidden_volume"`
}

func (d HiddenLiquidityDetail) Fields() map[string]interface{} {
	return map[string]interface{}{
		"methods": d.Methods, "confidence": d.Confidence, "hidden_volume": d.HiddenVolume,
	}
}

// MultiframeDetail carries the fields specific to the multi-timeframe family.
type MultiframeDetail struct {
	MicroPct  float64 `json:"micro_pct"`
	ShortPct  float64 `json:"short_pct"`
	MediumPct float64 `json:"medium_pct"`
	LongPct   float64 `json:"long_pct"`
	Regime    string  `json:"regime,omitempty"`
}

func (d MultiframeDetail) Fields() map[string]interface{} {
	return map[string]interface{}{
		"micro_pct": d.MicroPct, "short_pct": d.ShortPct,
		"medium_pct": d.MediumPct, "long_pct": d.LongPct, "regime": d.Regime,
	}
}

// TrapDetail carries the fields specific to the trap-detection family.
type TrapDetail struct {
	ExcursionPct float64 `json:"excursion_pct"`
	RetracePct   float64 `json:"retrace_pct"`
}

func (d TrapDetail) Fields() map[string]interface{} {
	return map[string]interface{}{"excursion_pct": d.ExcursionPct, "retrace_pct": d.RetracePct}
}
