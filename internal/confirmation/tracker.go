// Package confirmation implements a bounded pending-pattern map: candidates
// from patterns configured as "requires confirmation" are held back from
// the signal path until a pattern-specific predicate re-checked on each
// Tick call either confirms or the entry's deadline expires.
// Every candidate, pending or not, is published raw on PATTERN_DETECTED as
// soon as it is submitted. A held candidate reaches the filter pipeline and
// the confluence matrix only after Tick returns it confirmed.
package confirmation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// entry is the tracker's private bookkeeping alongside the introspectable
// types.PendingPattern: per-pattern-family state the confirmation
// predicates need that doesn't belong on the generic, display-facing type.
type entry struct {
	pending         *types.PendingPattern
	original        types.Candidate
	persistentSince time.Time
	reloadCount     int
}

// Tracker owns the bounded pending-pattern map and the predicates that
// resolve each entry to confirmed or expired.
type Tracker struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger
	tick   decimal.Decimal

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // FIFO, oldest first, for capacity eviction
}

// NewTracker creates a Tracker bound to cfg's pattern_confirmation settings.
// tick is the instrument's price increment, used to size the absorption
// price band ("within ±0.5 of the level" reads as ticks).
func NewTracker(cfg *config.Config, bus *events.Bus, logger *zap.Logger, tick decimal.Decimal) *Tracker {
	return &Tracker{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.Named("confirmation"),
		tick:    tick,
		entries: make(map[string]*entry),
	}
}

// requiresConfirmation reports whether c.Pattern is configured to hold for
// confirmation rather than pass straight to the filter pipeline.
func (t *Tracker) requiresConfirmation(pattern types.Pattern) bool {
	if !t.cfg.PatternConfirmation.Enabled {
		return false
	}
	return t.cfg.PatternConfirmation.Patterns[string(pattern)]
}

// Submit publishes c raw on PATTERN_DETECTED and, if its pattern requires
// confirmation, files it as a PendingPattern. Returns true if c is now held
// pending (the caller must not also run it through the filter pipeline);
// false means the caller should proceed with c directly.
func (t *Tracker) Submit(c types.Candidate) bool {
	t.bus.Publish(events.TopicPatternDetected, c)

	if !t.requiresConfirmation(c.Pattern) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.order) >= t.cfg.PatternConfirmation.MaxPending {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
		t.logger.Warn("pending-pattern capacity reached, evicted oldest", zap.String("evicted_id", oldest))
	}

	id := uuid.NewString()
	pp := &types.PendingPattern{
		ID:          id,
		Pattern:     string(c.Pattern),
		Instrument:  c.Instrument,
		Detail:      c.AsMap(),
		CreatedAt:   c.Timestamp,
		ExpiresAt:   c.Timestamp.Add(t.cfg.PatternConfirmation.DefaultTimeout),
		Criteria:    criteriaFor(t.cfg, c),
		LastCheckAt: c.Timestamp,
	}
	t.entries[id] = &entry{pending: pp, original: c}
	t.order = append(t.order, id)
	return true
}

// criteriaFor records the pattern-specific baseline a reader of the pending
// map (display, diagnostics) needs to understand what's being waited on.
func criteriaFor(cfg *config.Config, c types.Candidate) map[string]interface{} {
	switch c.Pattern {
	case types.PatternAbsorption, types.PatternExhaustion:
		return map[string]interface{}{
			"level_price":    c.Price,
			"level_volume":   c.Volume,
			"min_tests":      cfg.PatternConfirmation.Absorption.MinTests,
			"test_threshold": cfg.PatternConfirmation.Absorption.TestThreshold,
		}
	case types.PatternDivergenceLow, types.PatternDivergenceHi:
		return map[string]interface{}{
			"trigger_price":     c.Price,
			"direction":         string(c.Direction),
			"confirmation_bars": cfg.PatternConfirmation.Divergence.ConfirmationBars,
		}
	case types.PatternMomentumExtrm:
		return map[string]interface{}{
			"direction":             string(c.Direction),
			"min_continuation_cvd":  cfg.PatternConfirmation.ExtremeMomentum.MinContinuationCVD,
		}
	case types.PatternInstitutional:
		return map[string]interface{}{
			"volume_threshold": cfg.PatternConfirmation.InstitutionalFootprint.VolumeThreshold,
			"min_persistence":  cfg.PatternConfirmation.InstitutionalFootprint.MinPersistence.String(),
		}
	case types.PatternHiddenLiquidity:
		return map[string]interface{}{
			"level_price":          c.Price,
			"reload_confirmations": cfg.PatternConfirmation.HiddenLiquidity.ReloadConfirmations,
		}
	default:
		return nil
	}
}

// remove deletes id from the map and the FIFO order slice.
func (t *Tracker) remove(id string) {
	delete(t.entries, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Pending returns a snapshot of every PendingPattern currently held, for
// display/diagnostics.
func (t *Tracker) Pending() []types.PendingPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PendingPattern, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id].pending)
	}
	return out
}

// Tick re-checks every pending entry against the trade windows/books
// supplied (keyed by instrument), confirming or expiring each as its
// predicate or deadline dictates. Confirmed candidates are returned with
// Confirmed set; expired entries are dropped silently.
func (t *Tracker) Tick(now time.Time, trades map[string][]types.Trade, books map[string]types.OrderBook) []types.Candidate {
	t.mu.Lock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	t.mu.Unlock()

	var confirmed []types.Candidate
	for _, id := range ids {
		t.mu.Lock()
		e, ok := t.entries[id]
		t.mu.Unlock()
		if !ok {
			continue
		}

		if now.After(e.pending.ExpiresAt) {
			t.mu.Lock()
			t.remove(id)
			t.mu.Unlock()
			continue
		}

		window := trades[e.original.Instrument]
		book := books[e.original.Instrument]

		e.pending.Attempts++
		confirmedNow := t.evaluate(e, now, window, book)
		e.pending.LastCheckAt = now

		if confirmedNow {
			confirmed = append(confirmed, confirmCandidate(e.original))
			t.mu.Lock()
			t.remove(id)
			t.mu.Unlock()
		}
	}
	return confirmed
}

// confirmCandidate sets Confirmed, which AsMap() reads to emit
// "confirmed=true" and suffix the flattened pattern tag with "_CONFIRMED",
// while leaving the typed Pattern constant itself unchanged so downstream
// code keeps switching on the original values.
func confirmCandidate(c types.Candidate) types.Candidate {
	c.Confirmed = true
	return c
}
