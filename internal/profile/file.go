package profile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface assertion.
var _ Registry = (*FileRegistry)(nil)

// FileRegistry persists profiles as JSON lines appended to a local file.
// The whole log is held in memory. An empty path keeps it in memory only.
// Thread-safe for concurrent use.
type FileRegistry struct {
	mu       sync.Mutex
	path     string
	profiles []Profile
	now      func() time.Time
}

// NewFileRegistry opens the registry at path, loading existing entries.
// The file is created on the first append.
func NewFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path, now: time.Now}
	if path == "" {
		return r, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: open registry: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var p Profile
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("profile: %s line %d: %w", path, line, err)
		}
		if n := len(r.profiles); n > 0 && p.Seq <= r.profiles[n-1].Seq {
			return nil, fmt.Errorf("profile: %s line %d: sequence %d out of order", path, line, p.Seq)
		}
		r.profiles = append(r.profiles, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("profile: read registry: %w", err)
	}
	return r, nil
}

// Append implements [Registry].
func (r *FileRegistry) Append(_ context.Context, p Profile) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = uuid.NewString()
	p.Seq = 1
	if n := len(r.profiles); n > 0 {
		p.Seq = r.profiles[n-1].Seq + 1
	}
	p.CreatedAt = r.now().UTC()

	if r.path != "" {
		data, err := json.Marshal(p)
		if err != nil {
			return Profile{}, fmt.Errorf("profile: marshal: %w", err)
		}
		data = append(data, '\n')

		f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return Profile{}, fmt.Errorf("profile: open file: %w", err)
		}
		defer f.Close()

		if _, err := f.Write(data); err != nil {
			return Profile{}, fmt.Errorf("profile: write: %w", err)
		}
	}
	r.profiles = append(r.profiles, p)
	return p, nil
}

// Snapshot implements [Registry].
func (r *FileRegistry) Snapshot(ctx context.Context) (Snapshot, error) {
	return r.SnapshotAt(ctx, -1)
}

// SnapshotAt implements [Registry].
func (r *FileRegistry) SnapshotAt(_ context.Context, version int64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return NewSnapshot(cloneProfiles(r.profiles), version), nil
}
