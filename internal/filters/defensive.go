package filters

import (
	"time"

	"github.com/marketflow/tapereader/internal/config"
	"github.com/marketflow/tapereader/internal/events"
	"github.com/marketflow/tapereader/pkg/types"
)

// ManipulationEvent is the payload published on MANIPULATION_DETECTED.
type ManipulationEvent struct {
	Instrument string
	Method     string // LAYERING or SPOOFING
	Side       string
	Confidence float64
	Timestamp  time.Time
}

// DefensiveFilter inspects the current book for layering and spoofing. A
// candidate whose instrument book shows either is dropped and a
// ManipulationEvent is published.
type DefensiveFilter struct {
	cfg *config.Config
	bus *events.Bus
}

// NewDefensiveFilter creates a DefensiveFilter bound to cfg's
// manipulation_detection settings.
func NewDefensiveFilter(cfg *config.Config, bus *events.Bus) *DefensiveFilter {
	return &DefensiveFilter{cfg: cfg, bus: bus}
}

// Pass inspects book for manipulation and publishes MANIPULATION_DETECTED if
// found. Returns false (candidate dropped) when manipulation is detected.
func (f *DefensiveFilter) Pass(instrument string, book types.OrderBook, now time.Time) bool {
	clean := true
	lc := f.cfg.ManipulationDetection.Layering
	sc := f.cfg.ManipulationDetection.Spoofing

	if lc.Enabled {
		if layeredRun(book.Bids, lc.MinLevels, lc.MinVolumePerLevel, lc.UniformityThreshold) {
			f.publish(instrument, "LAYERING", "BID", now)
			clean = false
		}
		if layeredRun(book.Asks, lc.MinLevels, lc.MinVolumePerLevel, lc.UniformityThreshold) {
			f.publish(instrument, "LAYERING", "ASK", now)
			clean = false
		}
	}

	if sc.Enabled {
		if side, ok := detectSpoofing(book, sc.LevelsToCheck, sc.ImbalanceRatio); ok {
			f.publish(instrument, "SPOOFING", side, now)
			clean = false
		}
	}

	return clean
}

func (f *DefensiveFilter) publish(instrument, method, side string, now time.Time) {
	confidence := f.cfg.ManipulationDetection.Confidence.LayeringPenalty
	if method == "SPOOFING" {
		confidence = f.cfg.ManipulationDetection.Confidence.SpoofingPenalty
	}
	f.bus.Publish(events.TopicManipulationDetect, ManipulationEvent{
		Instrument: instrument,
		Method:     method,
		Side:       side,
		Confidence: confidence,
		Timestamp:  now,
	})
}

// layeredRun reports whether any run of minLevels consecutive levels each
// clears minVolume and sits within uniformity of their own mean.
func layeredRun(levels []types.BookLevel, minLevels int, minVolume int64, uniformity float64) bool {
	if minLevels <= 0 || len(levels) < minLevels {
		return false
	}
	for start := 0; start+minLevels <= len(levels); start++ {
		if layeredWindow(levels[start:start+minLevels], minVolume, uniformity) {
			return true
		}
	}
	return false
}

func layeredWindow(window []types.BookLevel, minVolume int64, uniformity float64) bool {
	var sum int64
	for _, l := range window {
		if l.Volume < minVolume {
			return false
		}
		sum += l.Volume
	}
	mean := float64(sum) / float64(len(window))
	if mean == 0 {
		return false
	}
	for _, l := range window {
		diff := float64(l.Volume) - mean
		if diff < 0 {
			diff = -diff
		}
		if diff/mean > uniformity {
			return false
		}
	}
	return true
}

// detectSpoofing reports whether the top levelsToCheck aggregate volume on
// one side divides the other's by >= imbalanceRatio.
func detectSpoofing(book types.OrderBook, levelsToCheck int, imbalanceRatio float64) (string, bool) {
	bidVol := float64(book.BidVolume(levelsToCheck))
	askVol := float64(book.AskVolume(levelsToCheck))
	if askVol > 0 && bidVol >= imbalanceRatio*askVol {
		return "BID", true
	}
	if bidVol > 0 && askVol >= imbalanceRatio*bidVol {
		return "ASK", true
	}
	return "", false
}
