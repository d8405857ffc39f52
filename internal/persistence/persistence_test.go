package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/pkg/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(zap.NewNop(), dir, time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestSaveWritesToSignalsFile(t *testing.T) {
	s, dir := newTestStore(t)
	s.Save(types.Signal{ID: "sig-1", Source: types.SourceConfluence, Level: types.LevelAlert, Message: "confluence hit"})
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	lines := readLines(t, filepath.Join(dir, "signals.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["_saved_at"]; !ok {
		t.Fatalf("expected _saved_at field, got %v", decoded)
	}
}

func TestSaveRoutesManipulationToTapeReading(t *testing.T) {
	s, dir := newTestStore(t)
	s.Save(types.Signal{ID: "sig-2", Source: types.SourceManipulation, Level: types.LevelWarning, Message: "layering"})
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "signals.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("expected no signals.jsonl, got err=%v", err)
	}
	lines := readLines(t, filepath.Join(dir, "tape_reading.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line in tape_reading.jsonl, got %d", len(lines))
	}
}

func TestSaveSystemMergesDetail(t *testing.T) {
	s, dir := newTestStore(t)
	s.SaveSystem("MAINTENANCE_COMPLETED", map[string]interface{}{"evicted": 3})
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	lines := readLines(t, filepath.Join(dir, "system.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var decoded struct {
		Data struct {
			Event   string `json:"event"`
			Evicted int    `json:"evicted"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Data.Event != "MAINTENANCE_COMPLETED" || decoded.Data.Evicted != 3 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestFlushIsIdempotentWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Flush(); err != nil {
		t.Fatalf("expected no error flushing empty buffers, got %v", err)
	}
}

func TestCloseFlushesPendingRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(zap.NewNop(), dir, time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.SavePattern(types.Candidate{Pattern: types.PatternAbsorption, Instrument: "X"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines := readLines(t, filepath.Join(dir, "tape_reading.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line after close, got %d", len(lines))
	}
}
