package stats

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/marketflow/tapereader/pkg/types"
	"github.com/marketflow/tapereader/pkg/utils"
)

// bucket is one price level's accumulated volume.
type bucket struct {
	Buy, Sell, Total, Net int64
}

// VolumeProfile is a histogram of total/buy/sell/net volume bucketed to an
// instrument's price tick.
type VolumeProfile struct {
	tick decimal.Decimal

	mu      sync.Mutex
	buckets map[string]map[string]*bucket // instrument -> tick-key -> bucket
	prices  map[string]map[string]decimal.Decimal
}

// NewVolumeProfile creates a VolumeProfile bucketing to the given tick size.
func NewVolumeProfile(tick decimal.Decimal) *VolumeProfile {
	return &VolumeProfile{
		tick:    tick,
		buckets: make(map[string]map[string]*bucket),
		prices:  make(map[string]map[string]decimal.Decimal),
	}
}

func (v *VolumeProfile) levelKey(price decimal.Decimal) (string, decimal.Decimal) {
	rounded := utils.RoundToTickSize(price, v.tick)
	return rounded.String(), rounded
}

// Update folds trades into the profile.
func (v *VolumeProfile) Update(instrument string, trades []types.Trade) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.buckets[instrument]; !ok {
		v.buckets[instrument] = make(map[string]*bucket)
		v.prices[instrument] = make(map[string]decimal.Decimal)
	}
	m := v.buckets[instrument]
	p := v.prices[instrument]

	for _, t := range trades {
		key, price := v.levelKey(t.Price)
		b, ok := m[key]
		if !ok {
			b = &bucket{}
			m[key] = b
			p[key] = price
		}
		switch t.Side {
		case types.SideBuy:
			b.Buy += t.Volume
		case types.SideSell:
			b.Sell += t.Volume
		}
		b.Total += t.Volume
		b.Net = b.Buy - b.Sell
	}
}

// POC returns the Point of Control: the price bucket with maximum total
// volume, and whether the profile has any data for instrument.
func (v *VolumeProfile) POC(instrument string) (decimal.Decimal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := v.buckets[instrument]
	if len(m) == 0 {
		return decimal.Zero, false
	}
	var bestKey string
	var bestTotal int64 = -1
	for key, b := range m {
		if b.Total > bestTotal {
			bestTotal = b.Total
			bestKey = key
		}
	}
	return v.prices[instrument][bestKey], true
}

// ValueArea is the contiguous price range around POC containing `percentage`
// of total executed volume.
type ValueArea struct {
	High, Low, POC decimal.Decimal
	VolumePct      float64
}

// ValueArea computes the value area (default usage: 70% of volume) by
// expanding outward from POC, preferring whichever side has more volume at
// each step.
func (v *VolumeProfile) ValueArea(instrument string, percentage float64) (ValueArea, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := v.buckets[instrument]
	if len(m) == 0 {
		return ValueArea{}, false
	}

	type level struct {
		key   string
		price decimal.Decimal
		b     *bucket
	}
	levels := make([]level, 0, len(m))
	var total int64
	for key, b := range m {
		levels = append(levels, level{key: key, price: v.prices[instrument][key], b: b})
		total += b.Total
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].price.LessThan(levels[j].price) })

	pocIdx := 0
	var pocTotal int64 = -1
	for i, l := range levels {
		if l.b.Total > pocTotal {
			pocTotal = l.b.Total
			pocIdx = i
		}
	}

	target := float64(total) * percentage
	lo, hi := pocIdx, pocIdx
	accumulated := float64(levels[pocIdx].b.Total)

	for accumulated < target {
		canLo := lo > 0
		canHi := hi < len(levels)-1
		if !canLo && !canHi {
			break
		}
		var loVol, hiVol int64
		if canLo {
			loVol = levels[lo-1].b.Total
		}
		if canHi {
			hiVol = levels[hi+1].b.Total
		}
		if canLo && loVol >= hiVol {
			lo--
			accumulated += float64(loVol)
		} else if canHi {
			hi++
			accumulated += float64(hiVol)
		}
	}

	pct := 0.0
	if total > 0 {
		pct = accumulated / float64(total)
	}
	return ValueArea{
		High:      levels[hi].price,
		Low:       levels[lo].price,
		POC:       levels[pocIdx].price,
		VolumePct: pct,
	}, true
}

// SupportResistance identifies volume-backed candidate levels within
// +/-rangePct of currentPrice, filtered by net-volume direction: supports
// are below price with net buy volume, resistances above price with net
// sell volume.
type SupportResistance struct {
	Support    []decimal.Decimal
	Resistance []decimal.Decimal
}

// FindSupportResistance implements the ±rangePct-range (a fraction, so 0.02
// is ±2%) / net-volume-direction support/resistance lookup.
func (v *VolumeProfile) FindSupportResistance(instrument string, currentPrice decimal.Decimal, rangePct float64) SupportResistance {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := SupportResistance{}
	m := v.buckets[instrument]
	if len(m) == 0 {
		return out
	}

	priceRange := currentPrice.Mul(decimal.NewFromFloat(rangePct)).Abs()

	for key, b := range m {
		if b.Total < 100 {
			continue
		}
		price := v.prices[instrument][key]
		diff := price.Sub(currentPrice).Abs()
		if diff.GreaterThan(priceRange) {
			continue
		}
		if price.LessThan(currentPrice) && b.Net > 50 {
			out.Support = append(out.Support, price)
		} else if price.GreaterThan(currentPrice) && b.Net < -50 {
			out.Resistance = append(out.Resistance, price)
		}
	}

	sort.Slice(out.Support, func(i, j int) bool { return out.Support[i].GreaterThan(out.Support[j]) })
	sort.Slice(out.Resistance, func(i, j int) bool { return out.Resistance[i].LessThan(out.Resistance[j]) })
	if len(out.Support) > 3 {
		out.Support = out.Support[:3]
	}
	if len(out.Resistance) > 3 {
		out.Resistance = out.Resistance[:3]
	}
	return out
}

// Reset clears the profile for instrument. Called on the daily-reset event.
func (v *VolumeProfile) Reset(instrument string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.buckets, instrument)
	delete(v.prices, instrument)
}
