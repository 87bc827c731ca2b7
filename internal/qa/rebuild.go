package qa

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/internal/observe"
)

// DefaultMaxStrikes is the number of automatic rebuilds allowed before a
// build is escalated.
const DefaultMaxStrikes = 3

// EscalationError hands a build to a human. It names the first gate that
// could not be fixed automatically.
type EscalationError struct {
	Gate      string
	Measured  float64
	Threshold float64
	Segments  []int

	// Attempts is the number of assemblies performed.
	Attempts int

	// Report is the gate run of the last attempt.
	Report Report
}

func (e *EscalationError) Error() string {
	msg := fmt.Sprintf("qa: escalated after %d attempt(s): gate %s measured %.4g, threshold %.4g",
		e.Attempts, e.Gate, e.Measured, e.Threshold)
	if len(e.Segments) > 0 {
		msg += fmt.Sprintf(", segments %v", e.Segments)
	}
	return msg
}

// BuildFunc assembles the production with the given build-scoped winner
// overrides (segment index → version).
type BuildFunc func(ctx context.Context, overrides map[int]string) (assemble.Result, error)

// RegenerateFunc produces fresh audio for the given segments and returns
// the replacement version chosen for each. Segments without a usable
// replacement are left out.
type RegenerateFunc func(ctx context.Context, segments []int) (map[int]string, error)

// Outcome is the final state of a rebuild loop.
type Outcome struct {
	Result    assemble.Result
	Report    Report
	Overrides map[int]string
	Attempts  int
}

// Rebuilder drives assemble → gates → regenerate until the gates pass or
// the strike limit is reached.
type Rebuilder struct {
	Thresholds Thresholds

	// MaxStrikes bounds the automatic rebuilds. Zero selects
	// DefaultMaxStrikes.
	MaxStrikes int

	// Target is the declared production length; zero disables the duration
	// gate.
	Target time.Duration

	Build      BuildFunc
	Regenerate RegenerateFunc
	Metrics    *observe.Metrics
}

// Run executes the loop. On escalation the last outcome is returned
// together with an *EscalationError.
func (r *Rebuilder) Run(ctx context.Context) (Outcome, error) {
	if r.Build == nil || r.Regenerate == nil {
		return Outcome{}, errors.New("qa: rebuilder needs build and regenerate functions")
	}
	strikes := r.MaxStrikes
	if strikes <= 0 {
		strikes = DefaultMaxStrikes
	}
	m := r.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	log := observe.Logger(ctx)

	out := Outcome{Overrides: map[int]string{}}
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := r.Build(ctx, maps.Clone(out.Overrides))
		if err != nil {
			return out, fmt.Errorf("qa: build attempt %d: %w", out.Attempts+1, err)
		}
		out.Attempts++
		out.Result = res
		out.Report = Run(SubjectFromResult(res, r.Target), r.Thresholds)

		failures := out.Report.Failures()
		if len(failures) == 0 {
			log.Info("qa passed", "attempt", out.Attempts, "overrides", len(out.Overrides))
			return out, nil
		}
		for _, f := range failures {
			m.RecordGateFailure(ctx, f.Gate)
			log.Warn("qa gate failed", "gate", f.Gate, "measured", f.Measured,
				"threshold", f.Threshold, "segments", f.Segments, "attempt", out.Attempts)
		}

		if f, ok := out.Report.Unfixable(); ok {
			return out, r.escalate(ctx, f, out)
		}
		if out.Attempts > strikes {
			return out, r.escalate(ctx, failures[0], out)
		}

		segs := out.Report.Implicated()
		repl, err := r.Regenerate(ctx, segs)
		if err != nil {
			return out, fmt.Errorf("qa: regenerate segments %v: %w", segs, err)
		}
		if len(repl) == 0 {
			log.Warn("qa found no replacement candidates", "segments", segs)
			return out, r.escalate(ctx, failures[0], out)
		}
		maps.Copy(out.Overrides, repl)
		m.RebuildAttempts.Add(ctx, 1)
		log.Info("qa rebuilding", "segments", segs, "replaced", len(repl), "attempt", out.Attempts+1)
	}
}

func (r *Rebuilder) escalate(ctx context.Context, f Result, out Outcome) error {
	m := r.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	m.Escalations.Add(ctx, 1)
	err := &EscalationError{
		Gate:      f.Gate,
		Measured:  f.Measured,
		Threshold: f.Threshold,
		Segments:  f.Segments,
		Attempts:  out.Attempts,
		Report:    out.Report,
	}
	observe.Logger(ctx).Error("qa escalated to human review", "gate", f.Gate, "measured", f.Measured,
		"threshold", f.Threshold, "segments", f.Segments, "attempts", out.Attempts)
	return err
}
