package util

import "testing"

func TestCalculateUnitProgressPercentage(t *testing.T) {
	tests := []struct {
		name   string
		counts UnitCounts
		want   int32
	}{
		{"empty", UnitCounts{}, 0},
		{"all queued", UnitCounts{Queued: 4}, 0},
		{"running counts half", UnitCounts{Queued: 2, Running: 2}, 25},
		{"mixed terminal", UnitCounts{Succeeded: 2, Failed: 1, Abandoned: 1}, 100},
		{"partial", UnitCounts{Queued: 1, Succeeded: 3}, 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateUnitProgressPercentage(tt.counts); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBuildUnitProgress(t *testing.T) {
	p := BuildUnitProgress(UnitCounts{Queued: 1, Running: 1, Succeeded: 2})
	if p.Step == nil || p.Percentage == nil {
		t.Fatal("expected step and percentage")
	}
	if p.Step.Queued != "1/4" || p.Step.Running != "1/4" || p.Step.Succeeded != "2/4" {
		t.Fatalf("unexpected step: %+v", *p.Step)
	}
	if p.Step.Failed != "" || p.Step.Abandoned != "" {
		t.Fatalf("zero counts should be omitted: %+v", *p.Step)
	}
	if *p.Percentage != 62 {
		t.Fatalf("expected 62, got %d", *p.Percentage)
	}

	if empty := BuildUnitProgress(UnitCounts{}); empty.Step != nil || empty.Percentage != nil {
		t.Fatalf("expected empty progress, got %+v", empty)
	}
}
