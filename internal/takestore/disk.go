package takestore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// Compile-time interface assertion.
var _ Store = (*Disk)(nil)

var metaRegex = regexp.MustCompile(`^v\d+\.json$`)

// takeMeta is the on-disk metadata of one candidate.
type takeMeta struct {
	types.Candidate
	Text string `json:"text"`
}

// Disk stores candidates under a root directory:
//
//	<root>/<production>/seg-0007/segment.json
//	<root>/<production>/seg-0007/v03.pcm.zst
//	<root>/<production>/seg-0007/v03.json
//
// Audio is mono little-endian int16 PCM compressed with zstd. Writes go to a
// temporary file that is renamed into place; the metadata file is written
// last and marks the candidate as present.
type Disk struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewDisk creates a disk store rooted at root. level is a zstd level name:
// "fastest", "default", "better" or "best".
func NewDisk(root, level string) (*Disk, error) {
	ok, lvl := zstd.EncoderLevelFromString(level)
	if !ok {
		return nil, fmt.Errorf("takestore: unknown compression level %q", level)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("takestore: create root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("takestore: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("takestore: create zstd decoder: %w", err)
	}
	return &Disk{root: root, encoder: enc, decoder: dec}, nil
}

// Close releases the codec resources.
func (d *Disk) Close() error {
	d.decoder.Close()
	return d.encoder.Close()
}

func (d *Disk) segmentDir(production string, index int) string {
	return filepath.Join(d.root, production, fmt.Sprintf("seg-%04d", index))
}

// Put implements [Store].
func (d *Disk) Put(ctx context.Context, production string, seg types.Segment, c types.Candidate, clip audio.Clip) (types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return types.Candidate{}, err
	}
	if len(clip.Samples) == 0 {
		return types.Candidate{}, errors.New("takestore: refusing to store empty audio")
	}
	dir := d.segmentDir(production, seg.Index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Candidate{}, fmt.Errorf("takestore: create segment dir: %w", err)
	}

	c.SegmentIndex = seg.Index
	if c.Version == "" {
		c.Version = types.VersionID(c.GenIndex)
	}
	c.AudioRef = filepath.ToSlash(filepath.Join(filepath.Base(dir), c.Version+".pcm.zst"))
	c.Duration = clip.Duration()
	c.SampleRate = clip.SampleRate

	compressed := d.encoder.EncodeAll(clip.Bytes(), nil)
	if err := writeFile(filepath.Join(dir, c.Version+".pcm.zst"), compressed); err != nil {
		return types.Candidate{}, fmt.Errorf("takestore: write audio %s: %w", c.Version, err)
	}
	meta, err := json.MarshalIndent(takeMeta{Candidate: c, Text: seg.Text}, "", "  ")
	if err != nil {
		return types.Candidate{}, fmt.Errorf("takestore: marshal metadata: %w", err)
	}
	if err := writeFile(filepath.Join(dir, c.Version+".json"), meta); err != nil {
		return types.Candidate{}, fmt.Errorf("takestore: write metadata %s: %w", c.Version, err)
	}
	return c, nil
}

// List implements [Store].
func (d *Disk) List(ctx context.Context, production string, segment int) ([]types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := d.segmentDir(production, segment)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []types.Candidate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("takestore: list segment %d: %w", segment, err)
	}

	out := make([]types.Candidate, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !metaRegex.MatchString(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("takestore: read %s: %w", e.Name(), err)
		}
		var m takeMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("takestore: decode %s: %w", e.Name(), err)
		}
		out = append(out, m.Candidate)
	}
	slices.SortFunc(out, func(a, b types.Candidate) int { return cmp.Compare(a.GenIndex, b.GenIndex) })
	return out, nil
}

// LoadAudio implements [Store].
func (d *Disk) LoadAudio(ctx context.Context, production string, c types.Candidate) (audio.Clip, error) {
	if err := ctx.Err(); err != nil {
		return audio.Clip{}, err
	}
	path := filepath.Join(d.root, production, filepath.FromSlash(c.AudioRef))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return audio.Clip{}, fmt.Errorf("%w: %s", ErrNotFound, c.AudioRef)
	}
	if err != nil {
		return audio.Clip{}, fmt.Errorf("takestore: read audio %s: %w", c.AudioRef, err)
	}
	pcm, err := d.decoder.DecodeAll(data, nil)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("takestore: decompress %s: %w", c.AudioRef, err)
	}
	return audio.ClipFromPCM(pcm, audio.Format{SampleRate: c.SampleRate, Channels: 1}), nil
}

// PutSegment implements [Store].
func (d *Disk) PutSegment(ctx context.Context, production string, rec SegmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := d.segmentDir(production, rec.Index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("takestore: create segment dir: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("takestore: marshal segment record: %w", err)
	}
	if err := writeFile(filepath.Join(dir, "segment.json"), data); err != nil {
		return fmt.Errorf("takestore: write segment record: %w", err)
	}
	return nil
}

// Segment implements [Store].
func (d *Disk) Segment(ctx context.Context, production string, index int) (SegmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return SegmentRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(d.segmentDir(production, index), "segment.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return SegmentRecord{}, fmt.Errorf("%w: segment %d", ErrNotFound, index)
	}
	if err != nil {
		return SegmentRecord{}, fmt.Errorf("takestore: read segment record: %w", err)
	}
	var rec SegmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SegmentRecord{}, fmt.Errorf("takestore: decode segment record: %w", err)
	}
	return rec, nil
}

// writeFile writes data to a temp file next to path and renames it into place.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, path)
}
