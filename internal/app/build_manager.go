package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/takewright/internal/observe"
)

// ErrBuildInProgress is returned when a build of the same production is
// already running.
var ErrBuildInProgress = errors.New("app: a build of this production is already in progress")

// BuildInfo holds metadata about a running build.
type BuildInfo struct {
	// BuildID is the unique identifier of this run.
	BuildID string

	// Production is the production being built.
	Production string

	// StartedAt is when the build was started.
	StartedAt time.Time
}

// BuildManager permits at most one build per production at a time.
// All exported methods are safe for concurrent use.
type BuildManager struct {
	mu      sync.Mutex
	active  map[string]BuildInfo
	metrics *observe.Metrics
	now     func() time.Time
}

// NewBuildManager creates a BuildManager. A nil m selects
// [observe.DefaultMetrics].
func NewBuildManager(m *observe.Metrics) *BuildManager {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &BuildManager{active: make(map[string]BuildInfo), metrics: m, now: time.Now}
}

// Run executes fn as the build of production. It returns
// [ErrBuildInProgress] without calling fn when another build of the same
// production is running. Builds of different productions run concurrently.
func (bm *BuildManager) Run(ctx context.Context, production string, fn func(ctx context.Context, info BuildInfo) error) error {
	info, err := bm.acquire(production)
	if err != nil {
		return err
	}
	defer bm.release(production)

	attrs := metric.WithAttributes(observe.Attr("production", production))
	bm.metrics.ActiveBuilds.Add(ctx, 1, attrs)
	defer bm.metrics.ActiveBuilds.Add(ctx, -1, attrs)

	ctx = observe.WithBuild(observe.WithProduction(ctx, production), info.BuildID)
	ctx, span := observe.StartSpan(ctx, "app.build")
	defer span.End()
	observe.Logger(ctx).Info("build started")

	err = fn(ctx, info)

	status := "ok"
	if err != nil {
		status = "error"
	}
	elapsed := bm.now().Sub(info.StartedAt)
	bm.metrics.BuildDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	observe.Logger(ctx).Info("build finished", "status", status, "elapsed", elapsed)
	return err
}

func (bm *BuildManager) acquire(production string) (BuildInfo, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if cur, ok := bm.active[production]; ok {
		return BuildInfo{}, fmt.Errorf("%w (production=%s, build=%s)", ErrBuildInProgress, production, cur.BuildID)
	}
	info := BuildInfo{BuildID: uuid.NewString(), Production: production, StartedAt: bm.now()}
	bm.active[production] = info
	return info, nil
}

func (bm *BuildManager) release(production string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.active, production)
}

// IsActive reports whether a build of production is running.
func (bm *BuildManager) IsActive(production string) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	_, ok := bm.active[production]
	return ok
}

// Active returns the running builds ordered by start time.
func (bm *BuildManager) Active() []BuildInfo {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := make([]BuildInfo, 0, len(bm.active))
	for _, b := range bm.active {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b BuildInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}
