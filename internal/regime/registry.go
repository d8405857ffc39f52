package regime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// Registry owns one Detector per instrument and publishes REGIME_CHANGE
// whenever an Update call picks a new winner.
type Registry struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	detectors map[string]*Detector
}

// NewRegistry creates a Registry with one Detector per cfg.Instruments.
func NewRegistry(cfg *config.Config, bus *events.Bus, logger *zap.Logger) *Registry {
	r := &Registry{cfg: cfg, bus: bus, logger: logger.Named("regime"), detectors: make(map[string]*Detector)}
	for _, inst := range cfg.Instruments {
		r.detectors[inst] = NewDetector(cfg, logger)
	}
	return r
}

func (r *Registry) detectorFor(instrument string) *Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detectors[instrument]
	if !ok {
		d = NewDetector(r.cfg, r.logger)
		r.detectors[instrument] = d
	}
	return d
}

// Observe folds one trade and book snapshot into instrument's detector.
func (r *Registry) Observe(instrument string, trade types.Trade, book types.OrderBook) {
	r.detectorFor(instrument).Observe(trade, book)
}

// Update recomputes instrument's regime and publishes REGIME_CHANGE if it
// changed. Returns the resulting state.
func (r *Registry) Update(instrument string, now time.Time) State {
	d := r.detectorFor(instrument)
	state, changed, previous := d.Update(now)
	if changed {
		r.bus.Publish(events.TopicRegimeChange, types.RegimeChangeEvent{
			Instrument: instrument, Old: string(previous), New: string(state.Regime),
			Confidence: state.Confidence, Timestamp: now,
		})
	}
	return state
}

// State returns instrument's most recently computed state, if any.
func (r *Registry) State(instrument string) (State, bool) {
	d := r.detectorFor(instrument)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return State{}, false
	}
	return *d.current, true
}
