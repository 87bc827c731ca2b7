package qa

import (
	"slices"

	"github.com/MrWong99/takewright/internal/config"
)

// Report is the outcome of one full gate run.
type Report struct {
	Results []Result `json:"results"`
}

// Run checks s against every gate in order. Gates are independent; a
// failing gate never stops the ones after it.
func Run(s Subject, th Thresholds) Report {
	rep := Report{Results: make([]Result, 0, len(Gates))}
	for _, g := range Gates {
		rep.Results = append(rep.Results, g.Check(s, th))
	}
	return rep
}

// Pass reports whether every gate passed.
func (r Report) Pass() bool {
	for _, res := range r.Results {
		if !res.Pass {
			return false
		}
	}
	return true
}

// Failures returns the failing gates in run order.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Pass {
			out = append(out, res)
		}
	}
	return out
}

// Implicated returns the sorted union of segments named by failing gates.
func (r Report) Implicated() []int {
	var segs []int
	for _, res := range r.Failures() {
		for _, s := range res.Segments {
			segs = appendUnique(segs, s)
		}
	}
	slices.Sort(segs)
	return segs
}

// Unfixable returns the first failing gate that implicates no segment.
func (r Report) Unfixable() (Result, bool) {
	for _, res := range r.Failures() {
		if len(res.Segments) == 0 {
			return res, true
		}
	}
	return Result{}, false
}

// ThresholdsFromConfig converts the configured gate limits.
func ThresholdsFromConfig(c config.QAThresholds) Thresholds {
	return Thresholds{
		ClickStepRatio:    c.ClickStepRatio,
		LoudnessSpreadDB:  c.LoudnessSpreadDB,
		HFNoiseCeiling:    c.HFNoiseCeiling,
		SilenceFloorDBFS:  c.SilenceFloorDBFS,
		SilenceTolerance:  c.SilenceTolerance,
		DurationTolerance: c.DurationTolerance,
		BedFloorDBFS:      c.BedFloorDBFS,
	}
}
