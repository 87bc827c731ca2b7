package assemble

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/audio/opus"
)

// ArtifactManifest describes a written track for downstream consumers.
type ArtifactManifest struct {
	Production   string         `json:"production"`
	BuildID      string         `json:"build_id"`
	CreatedAt    time.Time      `json:"created_at"`
	SampleRate   int            `json:"sample_rate"`
	Duration     time.Duration  `json:"duration"`
	GainDB       float64        `json:"gain_db"`
	LoudnessDBFS float64        `json:"loudness_dbfs"`
	Segments     []Placement    `json:"segments"`
	Overrides    map[int]string `json:"overrides,omitempty"`
	Attempt      int            `json:"attempt"`

	// AmbientBed is set when a bed was mixed in; the un-mixed narration is
	// then written alongside the track.
	AmbientBed bool `json:"ambient_bed,omitempty"`

	// TargetDuration is the declared length of the production, if any.
	TargetDuration time.Duration `json:"target_duration,omitempty"`
}

// Artifact is the set of files written for one build.
type Artifact struct {
	Manifest      ArtifactManifest
	WAVPath       string
	NarrationPath string
	OpusPath      string
	ManifestPath  string
}

// OutputOptions configures [Write].
type OutputOptions struct {
	// OpusBitrate in bits per second; zero selects the encoder default.
	OpusBitrate int

	// SkipOpus writes only the lossless file and the manifest.
	SkipOpus bool

	// BuildID names the build; a fresh one is generated when empty or
	// not a UUID.
	BuildID string

	Overrides      map[int]string
	Attempt        int
	TargetDuration time.Duration
}

// Write renders res into dir as <production>.wav, <production>.opus and
// <production>.manifest.json, plus <production>.narration.wav when a bed
// was mixed in. Each file is written to a temporary name and
// renamed into place.
func Write(dir, production string, res Result, opts OutputOptions) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("assemble: create output dir: %w", err)
	}
	id, err := uuid.Parse(opts.BuildID)
	if err != nil {
		id = uuid.New()
	}
	a := Artifact{
		Manifest: ArtifactManifest{
			Production:   production,
			BuildID:      id.String(),
			CreatedAt:    time.Now().UTC(),
			SampleRate:   res.Track.SampleRate,
			Duration:     res.Track.Duration(),
			GainDB:       res.GainDB,
			LoudnessDBFS: res.LoudnessDBFS,
			Segments:     res.Placements,
			Overrides:    opts.Overrides,
			Attempt:      opts.Attempt,

			AmbientBed:     res.Bed != nil,
			TargetDuration: opts.TargetDuration,
		},
		WAVPath:      filepath.Join(dir, production+".wav"),
		OpusPath:     filepath.Join(dir, production+".opus"),
		ManifestPath: filepath.Join(dir, production+".manifest.json"),
	}

	if err := writeAtomic(a.WAVPath, func(w io.Writer) error {
		return audio.EncodeWAV(w, res.Track)
	}); err != nil {
		return Artifact{}, fmt.Errorf("assemble: write wav: %w", err)
	}
	if res.Bed != nil {
		a.NarrationPath = filepath.Join(dir, production+".narration.wav")
		if err := writeAtomic(a.NarrationPath, func(w io.Writer) error {
			return audio.EncodeWAV(w, res.Narration)
		}); err != nil {
			return Artifact{}, fmt.Errorf("assemble: write narration: %w", err)
		}
	}
	if opts.SkipOpus {
		a.OpusPath = ""
	} else if err := writeAtomic(a.OpusPath, func(w io.Writer) error {
		return opus.Encode(w, res.Track, opus.Options{
			Bitrate: opts.OpusBitrate,
			Serial:  binary.BigEndian.Uint32(id[:4]),
		})
	}); err != nil {
		return Artifact{}, fmt.Errorf("assemble: write opus: %w", err)
	}
	if err := writeAtomic(a.ManifestPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a.Manifest)
	}); err != nil {
		return Artifact{}, fmt.Errorf("assemble: write manifest: %w", err)
	}
	return a, nil
}

// ReadManifest loads a manifest written by [Write].
func ReadManifest(path string) (ArtifactManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ArtifactManifest{}, fmt.Errorf("assemble: read manifest: %w", err)
	}
	var m ArtifactManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ArtifactManifest{}, fmt.Errorf("assemble: decode manifest %s: %w", path, err)
	}
	return m, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	err = write(bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
