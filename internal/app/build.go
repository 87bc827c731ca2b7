package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/qa"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// regenerateCount is the number of fresh candidates requested per
// implicated segment in a rebuild.
const regenerateCount = 3

// BuildResult describes a finished build.
type BuildResult struct {
	Info BuildInfo

	// Artifact is set when every gate passed.
	Artifact *assemble.Artifact

	Report    qa.Report
	Attempts  int
	Overrides map[int]string

	// ReportPath is the QA record written for the build.
	ReportPath string
}

// qaRecord is the QA file written next to the artifact.
type qaRecord struct {
	BuildID            string         `json:"build_id"`
	Production         string         `json:"production"`
	FinishedAt         time.Time      `json:"finished_at"`
	Passed             bool           `json:"passed"`
	Attempts           int            `json:"attempts"`
	Overrides          map[int]string `json:"overrides,omitempty"`
	CalibrationVersion string         `json:"calibration_version,omitempty"`
	Escalation         *escalation    `json:"escalation,omitempty"`
	Results            []qa.Result    `json:"results"`
}

type escalation struct {
	Gate      string  `json:"gate"`
	Measured  float64 `json:"measured"`
	Threshold float64 `json:"threshold"`
	Segments  []int   `json:"segments,omitempty"`
}

// Build assembles the production, runs the QA gates and rebuilds
// implicated segments until the gates pass or the strike limit is reached.
// Only one build per production runs at a time; a concurrent call fails
// with [ErrBuildInProgress].
//
// A build with undecided segments fails with [*assemble.UnresolvedError]
// before any audio is loaded. An escalated build returns the partial
// result with a [*qa.EscalationError].
func (a *App) Build(ctx context.Context) (BuildResult, error) {
	var res BuildResult
	err := a.builds.Run(ctx, a.Production(), func(ctx context.Context, info BuildInfo) error {
		res.Info = info
		return a.build(ctx, info, &res)
	})
	return res, err
}

func (a *App) build(ctx context.Context, info BuildInfo, res *BuildResult) error {
	log := observe.Logger(ctx)
	picks, err := a.SyncPicks(ctx)
	if err != nil {
		return err
	}
	if _, err := assemble.Select(a.segments, picks, nil); err != nil {
		var ue *assemble.UnresolvedError
		if errors.As(err, &ue) {
			log.Warn("build blocked by undecided segments", "production", a.Production(), "segments", ue.Segments)
		}
		return err
	}

	acfg, err := a.assemblyConfig()
	if err != nil {
		return err
	}
	builder, err := assemble.NewBuilder(a.takes, acfg, assemble.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	a.mu.Lock()
	rb := &qa.Rebuilder{
		Thresholds: a.thresholds,
		MaxStrikes: a.maxStrikes,
		Target:     a.cfg.Production.TargetDuration,
		Metrics:    a.metrics,
	}
	a.mu.Unlock()
	rb.Build = func(ctx context.Context, overrides map[int]string) (assemble.Result, error) {
		return builder.Build(ctx, assemble.Plan{
			Production: a.Production(),
			Segments:   a.segments,
			Picks:      picks,
			Overrides:  overrides,
		})
	}
	rb.Regenerate = a.regenerate

	out, runErr := rb.Run(ctx)
	res.Report, res.Attempts, res.Overrides = out.Report, out.Attempts, out.Overrides

	var esc *qa.EscalationError
	if runErr != nil && !errors.As(runErr, &esc) {
		return runErr
	}

	dir := a.cfg.Assembly.OutputDir
	if runErr == nil {
		art, err := assemble.Write(dir, a.Production(), out.Result, assemble.OutputOptions{
			OpusBitrate:    a.cfg.Assembly.OpusBitrate,
			SkipOpus:       a.cfg.Assembly.DisableOpus,
			BuildID:        info.BuildID,
			Overrides:      out.Overrides,
			Attempt:        out.Attempts,
			TargetDuration: a.cfg.Production.TargetDuration,
		})
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		res.Artifact = &art
	}

	rec := qaRecord{
		BuildID:            info.BuildID,
		Production:         a.Production(),
		FinishedAt:         a.now().UTC(),
		Passed:             runErr == nil,
		Attempts:           out.Attempts,
		Overrides:          out.Overrides,
		CalibrationVersion: a.cfg.QA.CalibrationVersion,
		Results:            out.Report.Results,
	}
	if esc != nil {
		rec.Escalation = &escalation{Gate: esc.Gate, Measured: esc.Measured, Threshold: esc.Threshold, Segments: esc.Segments}
	}
	res.ReportPath = filepath.Join(dir, a.Production()+".qa.json")
	if err := writeJSON(res.ReportPath, rec); err != nil {
		return fmt.Errorf("app: write qa record: %w", err)
	}
	return runErr
}

// regenerate requests fresh candidates for every implicated segment and
// picks the top-ranked, non-filtered fresh one as a build-scoped override.
// Segments without such a candidate are left out.
func (a *App) regenerate(ctx context.Context, segments []int) (map[int]string, error) {
	if a.generator == nil {
		return nil, ErrNoProvider
	}
	snap, err := a.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: registry snapshot: %w", err)
	}
	a.mu.Lock()
	th := a.filter
	a.mu.Unlock()

	out := make(map[int]string, len(segments))
	for _, idx := range segments {
		seg, ok := a.segment(idx)
		if !ok {
			return nil, fmt.Errorf("app: unknown segment %d", idx)
		}
		rep, err := a.generator.Regenerate(ctx, seg, regenerateCount)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		fresh := make([]types.Candidate, 0, len(rep.Generated))
		for _, c := range rep.Generated {
			clip, err := a.takes.LoadAudio(ctx, a.Production(), c)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			fresh = append(fresh, a.scorer.Score(c, clip, seg.CharCount))
		}
		fresh, _ = triage.Filter(fresh, th, snap)
		rk := a.ranker.Rank(idx, fresh, snap)
		top, ok := rk.Top()
		if !ok || rk.Kind != triage.KindNormal {
			observe.Logger(ctx).Warn("no usable fresh candidate", "segment", idx, "generated", len(rep.Generated))
			continue
		}
		out[idx] = top.Candidate.Version
	}

	a.mu.Lock()
	err = a.saveManifestLocked()
	a.mu.Unlock()
	if err != nil {
		observe.Logger(ctx).Warn("failed to save manifest counters", "err", err)
	}
	return out, nil
}

// assemblyConfig converts the assembly section, loading the ambient bed.
func (a *App) assemblyConfig() (assemble.Config, error) {
	c := a.cfg.Assembly
	cfg := assemble.Config{
		SampleRate:         c.SampleRate,
		Crossfade:          c.Crossfade,
		TargetLoudnessDBFS: c.TargetLoudnessDBFS,
		PeakCeilingDBFS:    c.PeakCeilingDBFS,
		BedGainDB:          c.AmbientGainDB,
	}
	if c.AmbientBed != "" {
		data, err := os.ReadFile(c.AmbientBed)
		if err != nil {
			return assemble.Config{}, fmt.Errorf("app: read ambient bed: %w", err)
		}
		bed, err := audio.DecodeWAV(data)
		if err != nil {
			return assemble.Config{}, fmt.Errorf("app: decode ambient bed: %w", err)
		}
		cfg.Bed = &bed
	}
	return cfg, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
