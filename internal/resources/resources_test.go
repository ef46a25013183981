package resources

import (
	"context"
	"testing"
)

func TestAvailable_StaticMode(t *testing.T) {
	budget := Budget{JobSlots: 4, CPUs: 8, RAMMB: 16000}
	allocated := Allocated{JobSlots: 1, CPUs: 2, RAMMB: 4000}

	got, err := Available(nil, budget, allocated)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if got.JobSlots != 3 || got.CPUs != 6 || got.RAMMB != 12000 {
		t.Errorf("got %+v", got)
	}
}

func TestAvailable_StaticModeOverAllocated(t *testing.T) {
	budget := Budget{JobSlots: 2, CPUs: 2, RAMMB: 1000}
	allocated := Allocated{JobSlots: 2, CPUs: 3, RAMMB: 1000}

	got, err := Available(nil, budget, allocated)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if got.JobSlots != 0 || got.CPUs != 0 || got.RAMMB != 0 {
		t.Errorf("got %+v, want all zero when allocation meets or exceeds budget", got)
	}
}

func TestDetectTotals_NonZero(t *testing.T) {
	cpus, ramMB, err := DetectTotals(context.Background())
	if err != nil {
		t.Fatalf("DetectTotals: %v", err)
	}
	if cpus == 0 {
		t.Error("expected a nonzero CPU count from the OS probe")
	}
	if ramMB == 0 {
		t.Error("expected nonzero total RAM from the OS probe")
	}
}

func TestFillFromOS_FillsOnlyZeroFields(t *testing.T) {
	filled, err := Budget{JobSlots: 2}.FillFromOS(context.Background())
	if err != nil {
		t.Fatalf("FillFromOS: %v", err)
	}
	if filled.CPUs == 0 || filled.RAMMB == 0 {
		t.Errorf("got %+v, want probed nonzero cpu/ram totals", filled)
	}
	if filled.JobSlots != 2 {
		t.Errorf("got job slots=%d, want 2 untouched", filled.JobSlots)
	}

	explicit := Budget{JobSlots: 1, CPUs: 3, RAMMB: 500}
	kept, err := explicit.FillFromOS(context.Background())
	if err != nil {
		t.Fatalf("FillFromOS: %v", err)
	}
	if kept != explicit {
		t.Errorf("got %+v, want explicitly configured budget kept as-is", kept)
	}
}

func TestDynamicAvailableCPUs(t *testing.T) {
	// load1 = 3.2 at scale 1.0 on a 4-core box with 1 core allocated:
	// busy = ceil(3.2) = 4, available = max(0, 4 - max(1, 4)) = 0.
	busy := busyCPUs(3.2, 1.0)
	if busy != 4 {
		t.Fatalf("got busy=%d, want 4", busy)
	}
	if got := dynamicAvailableCPUs(4, 1, busy); got != 0 {
		t.Errorf("got available=%d, want 0", got)
	}

	// Allocation dominating observed load: 6 of 8 cores allocated, load says
	// only 2 busy.
	if got := dynamicAvailableCPUs(8, 6, 2); got != 2 {
		t.Errorf("got available=%d, want 2", got)
	}
}

func TestSubClamp(t *testing.T) {
	if got := subClamp(10, 3); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	if got := subClamp(3, 10); got != 0 {
		t.Errorf("got %d, want 0 (clamped)", got)
	}
}
