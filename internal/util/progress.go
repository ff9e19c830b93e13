package util

import "fmt"

// UnitCounts is the number of work units per state for one document.
type UnitCounts struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
}

func (c UnitCounts) Total() int64 {
	return c.Queued + c.Running + c.Succeeded + c.Failed + c.Abandoned
}

// Terminal is the number of units that will not run again.
func (c UnitCounts) Terminal() int64 {
	return c.Succeeded + c.Failed + c.Abandoned
}

type UnitStepProgress struct {
	Queued    string `json:"queued,omitempty"`
	Running   string `json:"running,omitempty"`
	Succeeded string `json:"succeeded,omitempty"`
	Failed    string `json:"failed,omitempty"`
	Abandoned string `json:"abandoned,omitempty"`
}

type UnitProgress struct {
	Step       *UnitStepProgress `json:"step,omitempty"`
	Percentage *int32            `json:"percentage,omitempty"`
}

// BuildUnitProgress renders per-state counts as "n/total" strings and a
// completion percentage over terminal units.
func BuildUnitProgress(c UnitCounts) UnitProgress {
	total := c.Total()
	if total <= 0 {
		return UnitProgress{}
	}

	step := UnitStepProgress{}
	format := func(n int64) string {
		if n <= 0 {
			return ""
		}
		return fmt.Sprintf("%d/%d", n, total)
	}
	step.Queued = format(c.Queued)
	step.Running = format(c.Running)
	step.Succeeded = format(c.Succeeded)
	step.Failed = format(c.Failed)
	step.Abandoned = format(c.Abandoned)

	pct := CalculateUnitProgressPercentage(c)
	return UnitProgress{Step: &step, Percentage: &pct}
}

// CalculateUnitProgressPercentage weights running units at half a unit so the
// bar moves while long embeddings are in flight.
func CalculateUnitProgressPercentage(c UnitCounts) int32 {
	total := c.Total()
	if total <= 0 {
		return 0
	}
	weighted := c.Terminal()*2 + c.Running
	pct := weighted * 100 / (total * 2)
	if pct > 100 {
		pct = 100
	}
	return int32(pct)
}
