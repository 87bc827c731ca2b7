package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MrWong99/takewright/internal/app"
	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/internal/production"
	"github.com/MrWong99/takewright/internal/qa"
)

func (c *cli) generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Fill every segment's candidate pool and score it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, true)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			res, err := a.Generate(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printCounters(out, res.Counters)
			printSummary(out, res.Summary)
			return nil
		},
	}
}

func (c *cli) buildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Assemble the picked takes and run the QA gates",
		Long: "Assemble the track from the reviewed winners, run the QA gates and\n" +
			"regenerate implicated segments until the gates pass or the strike\n" +
			"limit escalates the build.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, true)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			out := cmd.OutOrStdout()
			res, err := a.Build(ctx)
			if len(res.Report.Results) > 0 {
				printReport(out, res.Report)
			}
			var ue *assemble.UnresolvedError
			var esc *qa.EscalationError
			switch {
			case errors.As(err, &ue):
				fmt.Fprintf(out, "%d segment(s) still need a decision; run takewright review first\n", len(ue.Segments))
				return err
			case errors.As(err, &esc):
				fmt.Fprintf(out, "build escalated after %d attempt(s); QA record: %s\n", esc.Attempts, res.ReportPath)
				return err
			case err != nil:
				return err
			}
			printArtifact(out, res)
			return nil
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the merged decision set as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			if outPath == "" || outPath == "-" {
				return a.Export(ctx, cmd.OutOrStdout())
			}
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := a.Export(ctx, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func (c *cli) calibrateCmd() *cobra.Command {
	var (
		dir    string
		margin float64
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the QA gates over known-good artifacts",
		Long: "Run every gate over a directory of known-good builds. A gate firing on\n" +
			"a known-good artifact is a calibration bug. Suggested thresholds pass\n" +
			"every artifact with the given margin.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = c.cfg.QA.KnownGoodDir
			}
			if dir == "" {
				return errors.New("no known-good directory: set qa.known_good_dir or --dir")
			}
			set, err := qa.LoadKnownGood(dir)
			if err != nil {
				return err
			}
			th := qa.ThresholdsFromConfig(c.cfg.QA.Thresholds)
			cal, err := qa.Calibrate(set, th, margin)
			if err != nil {
				return err
			}
			printCalibration(cmd.OutOrStdout(), cal, th)
			if n := len(cal.Fired); n > 0 {
				return fmt.Errorf("%d gate firing(s) on known-good artifacts", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "known-good artifact directory (default qa.known_good_dir)")
	cmd.Flags().Float64Var(&margin, "margin", qa.DefaultMargin, "headroom factor applied to the worst measurement")
	return cmd
}

func printCounters(w io.Writer, c production.Counters) {
	fmt.Fprintf(w, "requests:   %s (%s characters)\n", humanize.Comma(c.Requests), humanize.Comma(c.Characters))
	fmt.Fprintf(w, "candidates: %s generated, %s absent\n", humanize.Comma(c.Generated), humanize.Comma(c.Absent))
	fmt.Fprintf(w, "cost:       %s\n", humanize.FtoaWithDigits(c.Cost, 2))
}

func printSummary(w io.Writer, s production.Summary) {
	fmt.Fprintf(w, "segments:   %d total, %d decided, %d without survivor, %d in progress, %d unstarted\n",
		s.Segments, s.Decided, s.NoSurvivor, s.InProgress, s.Unstarted)
	if s.Unresolvable > 0 {
		fmt.Fprintf(w, "            %d unresolvable: every candidate filtered\n", s.Unresolvable)
	}
}

func printReport(w io.Writer, r qa.Report) {
	for _, res := range r.Results {
		fmt.Fprintln(w, res.String())
	}
}

func printArtifact(w io.Writer, res app.BuildResult) {
	art := res.Artifact
	fmt.Fprintf(w, "build %s passed after %d attempt(s)\n", res.Info.BuildID, res.Attempts)
	if len(res.Overrides) > 0 {
		segs := make([]string, 0, len(res.Overrides))
		for _, seg := range slices.Sorted(maps.Keys(res.Overrides)) {
			segs = append(segs, fmt.Sprintf("%d=%s", seg, res.Overrides[seg]))
		}
		fmt.Fprintf(w, "overrides: %s\n", strings.Join(segs, ", "))
	}
	fmt.Fprintf(w, "duration:  %s\n", art.Manifest.Duration.Round(100*time.Millisecond))
	for _, p := range []string{art.WAVPath, art.NarrationPath, art.OpusPath, art.ManifestPath, res.ReportPath} {
		if p == "" {
			continue
		}
		size := "?"
		if fi, err := os.Stat(p); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		fmt.Fprintf(w, "  %-8s %s\n", size, p)
	}
}

func printCalibration(w io.Writer, cal qa.Calibration, th qa.Thresholds) {
	fmt.Fprintf(w, "%d known-good artifact(s)\n", cal.Artifacts)
	for _, f := range cal.Fired {
		fmt.Fprintf(w, "CALIBRATION BUG %s: %s\n", f.Artifact, f.Result.String())
	}
	cur, sug := thresholdTable(th), thresholdTable(cal.Suggested)
	fmt.Fprintf(w, "%-22s %12s %12s %12s\n", "gate", "worst", "current", "suggested")
	for _, g := range qa.Gates {
		worst := "-"
		if v, ok := cal.Worst[g.Name]; ok {
			worst = humanize.FtoaWithDigits(v, 3)
		}
		fmt.Fprintf(w, "%-22s %12s %12s %12s\n", g.Name, worst, cur[g.Name], sug[g.Name])
	}
}

// thresholdTable renders the threshold each gate compares against.
func thresholdTable(th qa.Thresholds) map[string]string {
	f := func(v float64) string { return humanize.FtoaWithDigits(v, 3) }
	return map[string]string{
		qa.GateSpliceClicks:        f(th.ClickStepRatio),
		qa.GateLoudnessConsistency: f(th.LoudnessSpreadDB),
		qa.GateHFNoise:             f(th.HFNoiseCeiling),
		qa.GateSilenceIntegrity:    th.SilenceTolerance.String(),
		qa.GateDurationTolerance:   f(th.DurationTolerance),
		qa.GateAmbientContinuity:   f(th.BedFloorDBFS),
	}
}
