package provider

import "time"

// ReferenceRateSource is the calculated-grid contract's other input: a
// callable returning, for a given date, the fair-value reference rate the
// grid is built from (confluence.BuildGrid turns it into the full named
// level map). Separate from Provider because the reference rate is daily
// and read once at startup (or once per replay date), not polled.
type ReferenceRateSource interface {
	Rate(date time.Time) (float64, error)
}

// StaticReferenceRateSource always returns the same configured rate,
// regardless of date; used when no daily feed is configured.
type StaticReferenceRateSource struct {
	rate float64
}

// NewStaticReferenceRateSource creates a source pinned to rate.
func NewStaticReferenceRateSource(rate float64) StaticReferenceRateSource {
	return StaticReferenceRateSource{rate: rate}
}

// Rate always returns the pinned rate.
func (s StaticReferenceRateSource) Rate(time.Time) (float64, error) {
	return s.rate, nil
}

// TableReferenceRateSource serves per-date rates from an in-memory table,
// keyed by calendar day; used for replay runs where the CLI date argument
// selects which row to read.
type TableReferenceRateSource struct {
	byDate map[string]float64
	fallback float64
}

// NewTableReferenceRateSource creates a source over byDate (keyed
// "DDMMYYYY", matching the CLI replay argument), falling back to fallback
// for any date missing from the table.
func NewTableReferenceRateSource(byDate map[string]float64, fallback float64) TableReferenceRateSource {
	return TableReferenceRateSource{byDate: byDate, fallback: fallback}
}

// Rate looks up date's "DDMMYYYY" key, falling back if absent.
func (s TableReferenceRateSource) Rate(date time.Time) (float64, error) {
	key := date.Format("02012006")
	if r, ok := s.byDate[key]; ok {
		return r, nil
	}
	return s.fallback, nil
}
