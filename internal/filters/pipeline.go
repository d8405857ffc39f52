package filters

import (
	"time"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// Pipeline runs the quality, cooldown, and defensive stages in order. A
// candidate that fails any stage is dropped.
type Pipeline struct {
	Quality   *QualityFilter
	Cooldown  *CooldownFilter
	Defensive *DefensiveFilter
}

// NewPipeline wires all three stages from cfg, publishing defensive-filter
// findings on bus.
func NewPipeline(cfg *config.Config, bus *events.Bus) *Pipeline {
	return &Pipeline{
		Quality:   NewQualityFilter(cfg),
		Cooldown:  NewCooldownFilter(cfg),
		Defensive: NewDefensiveFilter(cfg, bus),
	}
}

// Run applies all three stages to c against instrument's current book at
// now. On success it records c's cooldown and returns true.
func (p *Pipeline) Run(c types.Candidate, book types.OrderBook, now time.Time) bool {
	if !p.Quality.Pass(c) {
		return false
	}
	if !p.Cooldown.Pass(c, now) {
		return false
	}
	if !p.Defensive.Pass(c.Instrument, book, now) {
		return false
	}
	p.Cooldown.Record(c, now)
	return true
}
