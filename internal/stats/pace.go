package stats

import (
	"sync"
	"time"

	"github.com/marketflow/tapereader/pkg/utils"
)

// PaceAnomaly is the result of a Pace.Check call that detected an anomalous
// trade rate.
type PaceAnomaly struct {
	Pace      float64
	Baseline  float64
	Deviation float64
}

// Pace maintains a bounded history of trade rates (trades per second over a
// rolling window) and reports an anomaly when the current rate exceeds the
// history's median by more than k sample standard deviations.
type Pace struct {
	mu sync.Mutex

	windowSeconds  int
	anomalyStdev   float64
	baselineSample int

	timestamps []time.Time
	paceHist   []float64
}

// NewPace creates a Pace tracker. baselineSamples is the minimum number of
// pace observations required before anomaly detection activates.
func NewPace(baselineSamples int, anomalyStdev float64, windowSeconds int) *Pace {
	return &Pace{
		windowSeconds:  windowSeconds,
		anomalyStdev:   anomalyStdev,
		baselineSample: baselineSamples,
	}
}

// Update records a trade arrival at `at` and checks for a pace anomaly.
// Returns (anomaly, true) if the current pace exceeds the adaptive
// threshold; otherwise (_, false) — including during baseline warm-up.
func (p *Pace) Update(at time.Time) (PaceAnomaly, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timestamps = append(p.timestamps, at)
	if len(p.timestamps) > 10000 {
		p.timestamps = p.timestamps[len(p.timestamps)-10000:]
	}

	window := time.Duration(p.windowSeconds) * time.Second
	count := 0
	for i := len(p.timestamps) - 1; i >= 0; i-- {
		if at.Sub(p.timestamps[i]) <= window {
			count++
		} else {
			break
		}
	}
	currentPace := float64(count) / float64(p.windowSeconds)

	p.paceHist = append(p.paceHist, currentPace)
	if len(p.paceHist) > p.baselineSample {
		p.paceHist = p.paceHist[len(p.paceHist)-p.baselineSample:]
	}

	if len(p.paceHist) < p.baselineSample {
		return PaceAnomaly{}, false
	}

	baseline := utils.Median(p.paceHist)
	stdDev := utils.CalculateStdDev(p.paceHist)

	if stdDev > 0 && currentPace > baseline+p.anomalyStdev*stdDev {
		return PaceAnomaly{
			Pace:      currentPace,
			Baseline:  baseline,
			Deviation: (currentPace - baseline) / stdDev,
		}, true
	}
	return PaceAnomaly{}, false
}
