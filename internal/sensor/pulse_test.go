package sensor

import (
	"math"
	"testing"
	"time"
)

func TestPulseCountingAccumulates(t *testing.T) {
	p := New(DefaultConfig(), nil, time.Unix(0, 0))

	for i := 0; i < 9; i++ {
		p.OnEdge()
	}
	r := p.Read(time.Unix(5, 0))

	if r.PulseDelta != 9 {
		t.Fatalf("PulseDelta = %d, want 9", r.PulseDelta)
	}
	wantTv := float32(9) / float32(DefaultPulsesPerLiter)
	if r.TotalVolumeL != wantTv {
		t.Errorf("TotalVolumeL = %v, want %v", r.TotalVolumeL, wantTv)
	}
}

// Property 7: for K ISR invocations between two reads, pd == K and the
// cumulative pulse total (tv is that total / PULSES_PER_LITER) grows by K.
func TestPulseCountingProperty(t *testing.T) {
	p := New(DefaultConfig(), nil, time.Unix(0, 0))
	p.Read(time.Unix(1, 0)) // baseline read, zeroes any residue

	for _, k := range []int{0, 1, 450, 900, 3} {
		before := p.TotalPulses()
		for i := 0; i < k; i++ {
			p.OnEdge()
		}
		r := p.Read(time.Unix(2, 0))
		if r.PulseDelta != k {
			t.Errorf("k=%d: PulseDelta = %d", k, r.PulseDelta)
		}
		after := p.TotalPulses()
		if after-before != uint32(k) {
			t.Errorf("k=%d: total pulses delta = %d, want %d", k, after-before, k)
		}
	}
}

func TestEdgesBetweenReadAndClearAreNotLost(t *testing.T) {
	p := New(DefaultConfig(), nil, time.Unix(0, 0))
	p.OnEdge()
	p.OnEdge()
	first := p.Read(time.Unix(1, 0))
	if first.PulseDelta != 2 {
		t.Fatalf("first read: PulseDelta = %d, want 2", first.PulseDelta)
	}

	p.OnEdge() // arrives "between reads"
	second := p.Read(time.Unix(2, 0))
	if second.PulseDelta != 1 {
		t.Fatalf("second read: PulseDelta = %d, want 1 (edge must not be lost)", second.PulseDelta)
	}
}

func TestDisabledSensorEmitsNaN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = true
	p := New(cfg, nil, time.Unix(0, 0))
	p.OnEdge()

	r := p.Read(time.Unix(1, 0))
	if !r.Disabled {
		t.Fatalf("expected Disabled reading")
	}
	if !math.IsNaN(float64(r.TotalVolumeL)) {
		t.Errorf("disabled sensor should emit NaN for tv")
	}
}

func TestResetTotalZeroesTotal(t *testing.T) {
	p := New(DefaultConfig(), nil, time.Unix(0, 0))
	for i := 0; i < 100; i++ {
		p.OnEdge()
	}
	p.Read(time.Unix(1, 0))
	if p.TotalPulses() != 100 {
		t.Fatalf("setup: TotalPulses = %d, want 100", p.TotalPulses())
	}

	p.ResetTotal()
	if p.TotalPulses() != 0 {
		t.Errorf("TotalPulses after reset = %d, want 0", p.TotalPulses())
	}
}
