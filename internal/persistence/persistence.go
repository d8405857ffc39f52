// Package persistence implements an append-only JSONL signal/event sink:
// one file per topic, one JSON object per line, each record stamped with a
// `_saved_at` timestamp, drained from lock-protected per-topic buffers by a
// single background writer.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/pkg/types"
)

// topic names the four record streams the persisted layout uses.
type topic string

const (
	topicSignals      topic = "signals"
	topicArbitrage    topic = "arbitrage"
	topicTapeReading  topic = "tape_reading"
	topicSystem       topic = "system"
)

// Store owns one lock-protected buffer per topic and a background writer
// that drains them every flush interval.
type Store struct {
	logger        *zap.Logger
	dir           string
	flushInterval time.Duration

	mu      sync.Mutex
	buffers map[topic][][]byte

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Store writing into dir (created if absent) and starts its
// background flush loop.
func New(logger *zap.Logger, dir string, flushInterval time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create directory: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s := &Store{
		logger:        logger.Named("persistence"),
		dir:           dir,
		flushInterval: flushInterval,
		buffers:       make(map[topic][][]byte),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// record wraps any payload with the mandated _saved_at stamp.
func record(payload interface{}, savedAt time.Time) map[string]interface{} {
	return map[string]interface{}{"_saved_at": savedAt, "data": payload}
}

func (s *Store) enqueue(t topic, payload interface{}) {
	line, err := json.Marshal(record(payload, time.Now()))
	if err != nil {
		s.logger.Warn("dropped unmarshalable record", zap.String("topic", string(t)), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.buffers[t] = append(s.buffers[t], line)
	s.mu.Unlock()
}

// Save appends an approved signal to signals.jsonl, or to tape_reading.jsonl
// when its source is SourceManipulation.
func (s *Store) Save(sig types.Signal) {
	t := topicSignals
	if sig.Source == types.SourceManipulation {
		t = topicTapeReading
	}
	s.enqueue(t, sig)
}

// SavePattern appends a raw pattern/candidate event to tape_reading.jsonl.
func (s *Store) SavePattern(c types.Candidate) {
	s.enqueue(topicTapeReading, c.AsMap())
}

// SaveArbitrage appends a cross-instrument arbitrage event to
// arbitrage.jsonl, for the day the confluence matrix's grid spans both
// legs of the same calendar spread.
func (s *Store) SaveArbitrage(detail map[string]interface{}) {
	s.enqueue(topicArbitrage, detail)
}

// SaveSystem appends an operational event (maintenance, daily reset, a
// critical failure) to system.jsonl.
func (s *Store) SaveSystem(event string, detail map[string]interface{}) {
	payload := map[string]interface{}{"event": event}
	for k, v := range detail {
		payload[k] = v
	}
	s.enqueue(topicSystem, payload)
}

// Flush drains every buffer to disk immediately, outside of the writer
// loop's own interval.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.buffers
	s.buffers = make(map[topic][][]byte, len(pending))
	s.mu.Unlock()

	var firstErr error
	for t, lines := range pending {
		if len(lines) == 0 {
			continue
		}
		if err := s.appendLines(t, lines); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) appendLines(t topic, lines [][]byte) error {
	path := filepath.Join(s.dir, string(t)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: open %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("persistence: write %s: %w", path, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("persistence: write %s: %w", path, err)
		}
	}
	return w.Flush()
}

// writerLoop is the background writer thread draining buffers every
// flush_interval, matching the concurrency model's "persistence owns a
// background writer thread" rule.
func (s *Store) writerLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			_ = s.Flush()
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("flush failed", zap.Error(err))
			}
		}
	}
}

// Close stops the writer loop after a final flush.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}
