package risk

import "github.com/marketflow/tapereader/pkg/utils"

// regimeFactors is one row of the per-regime adaptive table: multiplicative
// deltas applied to the base thresholds. A zero value means "no change"
// (multiplier 1.0).
type regimeFactors struct {
	freq, quality, concurrent, timeout, cbSensitivity float64
}

var regimeTable = map[string]regimeFactors{
	"TRENDING_UP":   {freq: 1.2, quality: 0.9, concurrent: 1.3, timeout: 1.0, cbSensitivity: 1.0},
	"TRENDING_DOWN": {freq: 1.2, quality: 0.9, concurrent: 1.3, timeout: 1.0, cbSensitivity: 1.0},
	"VOLATILE":      {freq: 0.7, quality: 1.3, concurrent: 0.6, timeout: 0.8, cbSensitivity: 1.5},
	"QUIET":         {freq: 0.5, quality: 1.5, concurrent: 0.5, timeout: 1.0, cbSensitivity: 1.0},
	"BREAKOUT":      {freq: 1.5, quality: 0.8, concurrent: 1.5, timeout: 1.2, cbSensitivity: 1.0},
	"REVERSAL":      {freq: 0.8, quality: 1.2, concurrent: 0.8, timeout: 1.0, cbSensitivity: 1.3},
}

func factorsFor(regime string) regimeFactors {
	if f, ok := regimeTable[regime]; ok {
		return f
	}
	return regimeFactors{freq: 1.0, quality: 1.0, concurrent: 1.0, timeout: 1.0, cbSensitivity: 1.0}
}

// adaptiveFactors composes the two instruments' regime factors
// multiplicatively and, if their regimes differ, applies an extra
// quality*1.1/concurrent*0.9 divergence penalty. Every resulting factor is
// clamped to [0.3, 2.0].
func adaptiveFactors(regimeX, regimeY string) regimeFactors {
	fx, fy := factorsFor(regimeX), factorsFor(regimeY)
	combined := regimeFactors{
		freq:          fx.freq * fy.freq,
		quality:       fx.quality * fy.quality,
		concurrent:    fx.concurrent * fy.concurrent,
		timeout:       fx.timeout * fy.timeout,
		cbSensitivity: fx.cbSensitivity * fy.cbSensitivity,
	}
	if regimeX != regimeY {
		combined.quality *= 1.1
		combined.concurrent *= 0.9
	}
	combined.freq = utils.ClampFloat(combined.freq, 0.3, 2.0)
	combined.quality = utils.ClampFloat(combined.quality, 0.3, 2.0)
	combined.concurrent = utils.ClampFloat(combined.concurrent, 0.3, 2.0)
	combined.timeout = utils.ClampFloat(combined.timeout, 0.3, 2.0)
	combined.cbSensitivity = utils.ClampFloat(combined.cbSensitivity, 0.3, 2.0)
	return combined
}
