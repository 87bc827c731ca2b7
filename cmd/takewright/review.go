package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/takewright/internal/app"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// errQuit ends the review loop on request or end of input.
var errQuit = errors.New("review: quit")

func (c *cli) reviewCmd() *cobra.Command {
	var (
		from     int
		redo     bool
		fallback bool
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Pick the winning take of every segment",
		Long: "Walk through the segments and compare the two presented candidates.\n" +
			"Both are written as WAV files for playback in any player.\n\n" +
			"  a / b   pick the left or right candidate\n" +
			"  x       reject both\n" +
			"  y / n   accept or reject the last survivor\n" +
			"  r       re-pick a decided segment from the full pool\n" +
			"  s       skip to the next segment\n" +
			"  q       quit",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer shutdownApp(a)

			stopWatch := c.watch(a.ApplyConfig)
			defer stopWatch()

			sess, err := a.ReviewSession(ctx, review.WithFallbackReview(fallback))
			if err != nil {
				return err
			}
			tmp, err := os.MkdirTemp("", "takewright-review-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			segs := a.Segments()
			total := len(segs)
			if from > 0 && from < len(segs) {
				segs = segs[from:]
			}
			r := &reviewer{
				sess:  sess,
				segs:  segs,
				total: total,
				load: func(ctx context.Context, cand types.Candidate) (audio.Clip, error) {
					return a.TakeStore().LoadAudio(ctx, a.Production(), cand)
				},
				in:     bufio.NewScanner(cmd.InOrStdin()),
				out:    cmd.OutOrStdout(),
				tmpDir: tmp,
				redo:   redo,
			}
			if err := r.run(ctx); err != nil {
				return err
			}
			return finishReview(ctx, a, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "first segment to review")
	cmd.Flags().BoolVar(&redo, "redo", false, "also visit decided segments")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "review unresolvable segments from the unfiltered pool")
	return cmd
}

// finishReview flushes pending saves, merges the pick stores into the
// manifest and prints the outcome counts.
func finishReview(ctx context.Context, a *app.App, w io.Writer) error {
	if err := a.Syncer().Flush(ctx); err != nil {
		slog.Warn("remote pick store not reachable; decisions are kept locally", "err", err)
	}
	if _, err := a.SyncPicks(ctx); err != nil {
		return err
	}
	m := a.Manifest()
	printSummary(w, m.Summarize())
	return nil
}

// reviewer is the line-oriented review loop.
type reviewer struct {
	sess   *review.Session
	segs   []types.Segment
	total  int
	load   func(ctx context.Context, c types.Candidate) (audio.Clip, error)
	in     *bufio.Scanner
	out    io.Writer
	tmpDir string
	redo   bool
}

func (r *reviewer) run(ctx context.Context) error {
	for _, seg := range r.segs {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := r.segment(ctx, seg)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *reviewer) segment(ctx context.Context, seg types.Segment) error {
	if r.sess.State(seg.Index).Decided() && !r.redo {
		return nil
	}
	v, err := r.sess.Enter(ctx, seg.Index)
	if errors.Is(err, review.ErrUnresolvable) {
		fmt.Fprintf(r.out, "segment %d: every candidate was filtered; regenerate it or rerun with --fallback\n", seg.Index)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "\nsegment %d of %d\n  %s\n", seg.Index+1, r.total, seg.Text)

	for {
		if err := r.present(ctx, v); err != nil {
			return err
		}
		line, ok := r.ask(keyPrompt(v.State.Phase))
		if !ok {
			return errQuit
		}
		var action review.Action
		switch key := strings.ToLower(line); {
		case key == "q":
			return errQuit
		case key == "s" || (key == "" && v.State.Decided()):
			return nil
		default:
			action, ok = parseKey(v.State.Phase, key)
			if !ok {
				fmt.Fprintln(r.out, "  unknown key")
				continue
			}
		}

		out, err := r.sess.Decide(ctx, seg.Index, action)
		if err != nil {
			fmt.Fprintf(r.out, "  %v\n", err)
			continue
		}
		if out.SaveErr != nil {
			fmt.Fprintf(r.out, "  warning: decision not saved: %v\n", out.SaveErr)
		}
		if err := r.reasons(ctx, seg.Index, out.Prompt); err != nil {
			return err
		}
		v = out.View
		if v.State.Decided() && action != review.ActionRepick {
			r.printDecision(v.State)
			return nil
		}
	}
}

// present writes the shown candidates to WAV files and lists them.
func (r *reviewer) present(ctx context.Context, v review.View) error {
	if v.State.Decided() {
		r.printDecision(v.State)
		return nil
	}
	if v.Ranking.Kind == triage.KindUnfilteredFallback {
		fmt.Fprintln(r.out, "  every candidate was filtered; reviewing the unfiltered pool")
	}
	for _, side := range []struct {
		label string
		cand  *types.Candidate
	}{{"A", v.Left}, {"B", v.Right}} {
		if side.cand == nil {
			continue
		}
		path, err := r.writeClip(ctx, v.State.Segment, *side.cand)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "  %s: %s  score %.3f  %s  %s\n",
			side.label, side.cand.Version, score(v.Ranking, side.cand.Version),
			side.cand.Duration.Round(10*time.Millisecond), path)
	}
	return nil
}

func (r *reviewer) writeClip(ctx context.Context, segment int, c types.Candidate) (string, error) {
	clip, err := r.load(ctx, c)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.tmpDir, fmt.Sprintf("seg-%04d-%s.wav", segment, c.Version))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := audio.EncodeWAV(f, clip); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// reasons asks for a reason tag for every rejected candidate and then for
// notes on the segment.
func (r *reviewer) reasons(ctx context.Context, segment int, rejected []string) error {
	if len(rejected) == 0 {
		return nil
	}
	for _, version := range rejected {
		text, ok := r.ask(fmt.Sprintf("  why was %s rejected? (blank to skip) ", version))
		if !ok {
			return errQuit
		}
		if text == "" {
			continue
		}
		reason, err := r.sess.Tag(ctx, segment, version, text)
		if reason == "" {
			fmt.Fprintf(r.out, "  %v\n", err)
			continue
		}
		fmt.Fprintf(r.out, "  tagged %s as %s\n", version, reason)
		if err != nil {
			fmt.Fprintf(r.out, "  warning: %v\n", err)
		}
	}
	notes, ok := r.ask("  notes (blank to keep) ")
	if !ok {
		return errQuit
	}
	if notes != "" {
		if err := r.sess.Note(ctx, segment, notes); err != nil {
			fmt.Fprintf(r.out, "  %v\n", err)
		}
	}
	return nil
}

func (r *reviewer) printDecision(st review.PickState) {
	if st.HasWinner() {
		fmt.Fprintf(r.out, "  decided: %s\n", st.Winner)
		return
	}
	fmt.Fprintln(r.out, "  decided: no survivor")
}

// ask prints prompt and reads one trimmed line. It reports false at end of
// input.
func (r *reviewer) ask(prompt string) (string, bool) {
	fmt.Fprint(r.out, prompt)
	if !r.in.Scan() {
		fmt.Fprintln(r.out)
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}

func keyPrompt(p review.Phase) string {
	switch p {
	case review.PhaseComparing:
		return "  [a]/[b] pick, [x] reject both, [s]kip, [q]uit > "
	case review.PhaseSolo:
		return "  [y] accept, [n] reject, [s]kip, [q]uit > "
	default:
		return "  [r] re-pick, enter to continue, [q]uit > "
	}
}

func parseKey(p review.Phase, key string) (review.Action, bool) {
	switch {
	case p == review.PhaseComparing && key == "a":
		return review.ActionPickA, true
	case p == review.PhaseComparing && key == "b":
		return review.ActionPickB, true
	case p == review.PhaseComparing && key == "x":
		return review.ActionRejectBoth, true
	case p == review.PhaseSolo && key == "y":
		return review.ActionAccept, true
	case p == review.PhaseSolo && key == "n":
		return review.ActionReject, true
	case key == "r":
		return review.ActionRepick, true
	}
	return "", false
}

func score(rk triage.Ranking, version string) float64 {
	for _, e := range rk.Entries {
		if e.Candidate.Version == version {
			return e.Score
		}
	}
	return 0
}
