package provider

import (
	"testing"
	"time"
)

func TestSimulatedProviderPollRequiresConnect(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{Instruments: []string{"X", "Y"}})
	if _, _, err := p.Poll(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}
}

func TestSimulatedProviderPollReturnsBothInstruments(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{Instruments: []string{"X", "Y"}, Seed: 1})
	if err := p.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap, ok, err := p.Poll()
	if err != nil || !ok {
		t.Fatalf("expected a snapshot, got ok=%v err=%v", ok, err)
	}
	for _, inst := range []string{"X", "Y"} {
		view, present := snap.ByInstrument[inst]
		if !present {
			t.Fatalf("missing instrument %s in snapshot", inst)
		}
		if len(view.Trades) == 0 {
			t.Fatalf("expected at least one trade for %s", inst)
		}
		if len(view.Book.Bids) == 0 || len(view.Book.Asks) == 0 {
			t.Fatalf("expected a populated book for %s", inst)
		}
	}
}

func TestSimulatedProviderClosePreventsFurtherPolls(t *testing.T) {
	p := NewSimulatedProvider(SimulatedConfig{Instruments: []string{"X"}})
	_ = p.Connect()
	_ = p.Close()
	if _, _, err := p.Poll(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected after Close, got %v", err)
	}
}

func TestStaticReferenceRateSourceIgnoresDate(t *testing.T) {
	s := NewStaticReferenceRateSource(5.35)
	r1, _ := s.Rate(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r2, _ := s.Rate(time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC))
	if r1 != 5.35 || r2 != 5.35 {
		t.Fatalf("expected constant rate, got %v and %v", r1, r2)
	}
}

func TestTableReferenceRateSourceFallsBack(t *testing.T) {
	s := NewTableReferenceRateSource(map[string]float64{"31072026": 5.40}, 5.0)
	r, _ := s.Rate(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	if r != 5.40 {
		t.Fatalf("expected table hit 5.40, got %v", r)
	}
	r, _ = s.Rate(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if r != 5.0 {
		t.Fatalf("expected fallback 5.0, got %v", r)
	}
}
