package filters

import (
	"sync"
	"time"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/pkg/types"
)

// CooldownFilter tracks the last successful emission time per
// (instrument, pattern) pair and blocks repeat candidates until the
// pattern's configured cooldown has elapsed.
type CooldownFilter struct {
	cfg *config.Config

	mu      sync.Mutex
	lastAt  map[string]time.Time
	blocked map[string]uint64
}

// NewCooldownFilter creates an empty CooldownFilter bound to cfg's
// pattern_cooldown settings.
func NewCooldownFilter(cfg *config.Config) *CooldownFilter {
	return &CooldownFilter{
		cfg:     cfg,
		lastAt:  make(map[string]time.Time),
		blocked: make(map[string]uint64),
	}
}

func cooldownKey(instrument string, pattern types.Pattern) string {
	return instrument + "|" + string(pattern)
}

// cooldownFor resolves the configured cooldown duration for pattern,
// falling back to the default when no per-pattern override exists.
func (f *CooldownFilter) cooldownFor(pattern types.Pattern) time.Duration {
	if secs, ok := f.cfg.PatternCooldown.Pattern[string(pattern)]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(f.cfg.PatternCooldown.Default) * time.Second
}

// Pass reports whether c may proceed: either no prior emission exists for
// its (instrument, pattern) pair, or enough time has elapsed since the last
// one. A blocked candidate increments that pair's diagnostic counter.
func (f *CooldownFilter) Pass(c types.Candidate, now time.Time) bool {
	key := cooldownKey(c.Instrument, c.Pattern)

	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.lastAt[key]
	if ok && now.Sub(last) < f.cooldownFor(c.Pattern) {
		f.blocked[key]++
		return false
	}
	return true
}

// Record marks c as successfully emitted at now, starting its cooldown.
func (f *CooldownFilter) Record(c types.Candidate, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAt[cooldownKey(c.Instrument, c.Pattern)] = now
}

// BlockedCount reports how many times c's (instrument, pattern) pair has
// been blocked by the cooldown filter, for diagnostics.
func (f *CooldownFilter) BlockedCount(instrument string, pattern types.Pattern) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[cooldownKey(instrument, pattern)]
}
