package cache

import "testing"

func TestSketchEstimateGrowsWithTouches(t *testing.T) {
	s := newSketch(1 << 10)
	h := uint64(0xdeadbeef)

	if got := s.Estimate(h); got != 0 {
		t.Fatalf("estimate before any touch is %d", got)
	}
	s.Touch(h)
	if got := s.Estimate(h); got != 1 {
		t.Fatalf("estimate after doorkeeper touch is %d", got)
	}
	for i := 0; i < 5; i++ {
		s.Touch(h)
	}
	if got := s.Estimate(h); got < 5 {
		t.Fatalf("estimate after 6 touches is %d", got)
	}
}

func TestSketchKeysAreIndependent(t *testing.T) {
	s := newSketch(1 << 10)
	hot, cold := uint64(1), uint64(2)
	for i := 0; i < 10; i++ {
		s.Touch(hot)
	}
	if s.Estimate(hot) <= s.Estimate(cold) {
		t.Fatalf("hot %d not above cold %d", s.Estimate(hot), s.Estimate(cold))
	}
}

func TestSketchDecayHalvesCounters(t *testing.T) {
	s := newSketch(1 << 4)
	h := uint64(42)
	for i := 0; i < 8; i++ {
		s.Touch(h)
	}
	before := s.Estimate(h)
	s.decay()
	after := s.Estimate(h)
	if after >= before {
		t.Fatalf("estimate did not drop on decay: %d -> %d", before, after)
	}
	// the doorkeeper is cleared as well
	if s.doorSeen(h) {
		t.Fatal("doorkeeper still set after decay")
	}
}
