package confluence

import "github.com/marketflow/tapereader/pkg/types"

// rule is one entry of the confluence matrix: a (pattern, level) pair maps
// to an action, a base confidence, and a description. gateDirection, when
// non-empty, is the Candidate.Direction value required for the rule to
// match; a candidate carrying DirectionNeutral always matches.
type rule struct {
	action        types.Direction
	confidence    float64
	description   string
	gateDirection types.Direction
}

type ruleKey struct {
	pattern types.Pattern
	level   string
}

// exhaustionGate flips the gating direction relative to the rule's action:
// an EXHAUSTION candidate's Direction field records which side dominated
// the absorbed bucket, which is the side about to give up ground, not the
// side the resulting move favors.
func exhaustionGate(action types.Direction) types.Direction {
	if action == types.DirectionBuy {
		return types.DirectionSell
	}
	return types.DirectionBuy
}

// matrix is the seed rule table, ported from the calculated-market
// confluence matrix: roughly 30 (pattern, level) combinations, split evenly
// between buy and sell sides. Absorption and divergence read their gating
// direction straight off the candidate; exhaustion reads it inverted,
// because the direction a bucket's absorbed side carries is the opposite
// of the move its absorption sets up. Squeeze has no gating direction: the
// breakout side is unknown until it happens, so any candidate matches.
var matrix = map[ruleKey]rule{
	// ABSORCAO_COMPRADORA
	{types.PatternAbsorption, "DEVENDO"}: {types.DirectionBuy, 0.85, "Absorção em suporte forte", types.DirectionBuy},
	{types.PatternAbsorption, "SOFGRE"}:  {types.DirectionBuy, 0.90, "Absorção em suporte extremo", types.DirectionBuy},
	{types.PatternAbsorption, "PB"}:      {types.DirectionBuy, 0.75, "Absorção em suporte primário", types.DirectionBuy},
	// ABSORCAO_VENDEDORA
	{types.PatternAbsorption, "SOFRER"}:    {types.DirectionSell, 0.85, "Absorção em resistência forte", types.DirectionSell},
	{types.PatternAbsorption, "SOFRER_2X"}: {types.DirectionSell, 0.90, "Absorção em resistência extrema", types.DirectionSell},
	{types.PatternAbsorption, "DEFENDO"}:   {types.DirectionSell, 0.75, "Absorção em resistência primária", types.DirectionSell},

	// EXAUSTAO_VENDEDORA (exhausted sellers -> buy)
	{types.PatternExhaustion, "DEVENDO"}: {types.DirectionBuy, 0.80, "Exaustão vendedora em suporte forte", exhaustionGate(types.DirectionBuy)},
	{types.PatternExhaustion, "SOFGRE"}:  {types.DirectionBuy, 0.85, "Exaustão vendedora em suporte extremo", exhaustionGate(types.DirectionBuy)},
	// EXAUSTAO_COMPRADORA (exhausted buyers -> sell)
	{types.PatternExhaustion, "SOFRER"}:    {types.DirectionSell, 0.80, "Exaustão compradora em resistência forte", exhaustionGate(types.DirectionSell)},
	{types.PatternExhaustion, "SOFRER_2X"}: {types.DirectionSell, 0.85, "Exaustão compradora em resistência extrema", exhaustionGate(types.DirectionSell)},

	// ICEBERG_COMPRADOR / ICEBERG_VENDEDOR
	{types.PatternIcebergBuy, "DEVENDO"}:  {types.DirectionBuy, 0.85, "Iceberg comprador em suporte", types.DirectionBuy},
	{types.PatternIcebergBuy, "PB"}:       {types.DirectionBuy, 0.75, "Iceberg comprador em suporte primário", types.DirectionBuy},
	{types.PatternIcebergSell, "DEFENDO"}: {types.DirectionSell, 0.75, "Iceberg vendedor em resistência primária", types.DirectionSell},
	{types.PatternIcebergSell, "SOFRER"}:  {types.DirectionSell, 0.80, "Iceberg vendedor em resistência", types.DirectionSell},

	// VOLUME_SPREAD_COMPRA / VOLUME_SPREAD_VENDA
	{types.PatternPressureBuy, "DEVENDO"}:  {types.DirectionBuy, 0.80, "Spread de volume comprador em suporte", types.DirectionBuy},
	{types.PatternPressureSell, "SOFRER"}:  {types.DirectionSell, 0.80, "Spread de volume vendedor em resistência", types.DirectionSell},

	// TRAP (level-gated; Direction is set by the detector to the resulting
	// move, so the gate still reads straight off the candidate)
	{types.PatternBearTrap, "DEVENDO"}: {types.DirectionBuy, 0.85, "Armadilha de baixa em suporte forte", types.DirectionBuy},
	{types.PatternBullTrap, "SOFRER"}:  {types.DirectionSell, 0.85, "Armadilha de alta em resistência forte", types.DirectionSell},

	// SQUEEZE (direction unknown pre-breakout; level alone decides the action)
	{types.PatternSqueezeTrap, "SOFGRE"}:    {types.DirectionBuy, 0.90, "Compressão de volatilidade em suporte extremo", types.DirectionNeutral},
	{types.PatternSqueezeTrap, "SOFRER_2X"}: {types.DirectionSell, 0.90, "Compressão de volatilidade em resistência extrema", types.DirectionNeutral},

	// DIVERGENCIA_ALTA
	{types.PatternDivergenceHi, "DEVENDO"}: {types.DirectionBuy, 0.85, "Divergência de alta em suporte forte", types.DirectionBuy},
	{types.PatternDivergenceHi, "SOFGRE"}:  {types.DirectionBuy, 0.90, "Divergência de alta em suporte extremo", types.DirectionBuy},
	{types.PatternDivergenceHi, "PB"}:      {types.DirectionBuy, 0.75, "Divergência de alta em suporte primário", types.DirectionBuy},
	// DIVERGENCIA_BAIXA
	{types.PatternDivergenceLow, "SOFRER"}:    {types.DirectionSell, 0.85, "Divergência de baixa em resistência forte", types.DirectionSell},
	{types.PatternDivergenceLow, "SOFRER_2X"}: {types.DirectionSell, 0.90, "Divergência de baixa em resistência extrema", types.DirectionSell},
	{types.PatternDivergenceLow, "DEFENDO"}:   {types.DirectionSell, 0.75, "Divergência de baixa em resistência primária", types.DirectionSell},

	// MOMENTUM_EXTREMO, buy side
	{types.PatternMomentumExtrm, "SOFGRE"}:  {types.DirectionBuy, 0.85, "Momentum extremo comprador em suporte extremo", types.DirectionBuy},
	{types.PatternMomentumExtrm, "DEVENDO"}: {types.DirectionBuy, 0.80, "Momentum extremo comprador em suporte forte", types.DirectionBuy},
	// MOMENTUM_EXTREMO, sell side
	{types.PatternMomentumExtrm, "SOFRER_2X"}: {types.DirectionSell, 0.85, "Momentum extremo vendedor em resistência extrema", types.DirectionSell},
	{types.PatternMomentumExtrm, "SOFRER"}:    {types.DirectionSell, 0.80, "Momentum extremo vendedor em resistência forte", types.DirectionSell},
}

// findRule looks up the matrix entry for (pattern, level), requiring that
// candDirection agree with the rule's gating direction when the candidate
// carries one.
func findRule(pattern types.Pattern, level string, candDirection types.Direction) (rule, bool) {
	r, ok := matrix[ruleKey{pattern, level}]
	if !ok {
		return rule{}, false
	}
	if r.gateDirection != types.DirectionNeutral && candDirection != types.DirectionNeutral && candDirection != r.gateDirection {
		return rule{}, false
	}
	return r, true
}

// checkExtreme synthesizes a rule when strength is extreme and no named
// rule matched.
func checkExtreme(level string, strength int, threshold int) (rule, bool) {
	if strength < threshold {
		return rule{}, false
	}
	switch level {
	case "SOFRER_2X":
		return rule{types.DirectionSell, 0.85, "Força extrema em resistência extrema", types.DirectionNeutral}, true
	case "SOFGRE":
		return rule{types.DirectionBuy, 0.85, "Força extrema em suporte extremo", types.DirectionNeutral}, true
	}
	return rule{}, false
}
