package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/review"
)

// Compile-time interface assertion.
var _ review.Saver = (*Syncer)(nil)

const (
	defaultQueueSize     = 256
	defaultRetryInterval = 30 * time.Second
	defaultPushTimeout   = 10 * time.Second
)

// SyncOption is a functional option for [NewSyncer].
type SyncOption func(*Syncer)

// WithSyncMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithSyncMetrics(m *observe.Metrics) SyncOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithRetryInterval sets how often states that failed to reach the remote
// store are retried. Defaults to 30 s.
func WithRetryInterval(d time.Duration) SyncOption {
	return func(s *Syncer) { s.retryInterval = d }
}

// WithPushTimeout bounds a single remote write. Defaults to 10 s.
func WithPushTimeout(d time.Duration) SyncOption {
	return func(s *Syncer) { s.pushTimeout = d }
}

// job is one saved state. seq orders saves so an older state never
// replaces a newer one of the same segment.
type job struct {
	production string
	seq        uint64
	state      review.PickState
}

// Syncer writes pick states to a local and a remote [Store].
//
// Save writes locally before returning and hands the state to a background
// worker for the remote store. States the remote rejects are kept and
// retried with the next remote write, on a timer, and on [Syncer.Flush].
// Writes for one production reach the remote store in save order.
type Syncer struct {
	local         Store
	remote        Store
	metrics       *observe.Metrics
	retryInterval time.Duration
	pushTimeout   time.Duration

	mu      sync.Mutex
	closed  bool
	seq     uint64
	queue   chan job
	pending map[string]map[int]job
	pushed  map[string]map[int]uint64

	// pushMu serialises remote writes between the worker and Flush.
	pushMu sync.Mutex
	wg     sync.WaitGroup
}

// NewSyncer creates a Syncer. remote may be nil for a local-only setup.
// Call [Syncer.Close] to stop the background worker.
func NewSyncer(local, remote Store, opts ...SyncOption) *Syncer {
	s := &Syncer{
		local:         local,
		remote:        remote,
		retryInterval: defaultRetryInterval,
		pushTimeout:   defaultPushTimeout,
		queue:         make(chan job, defaultQueueSize),
		pending:       make(map[string]map[int]job),
		pushed:        make(map[string]map[int]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.remote != nil {
		s.wg.Go(s.run)
	}
	return s
}

// Save implements [review.Saver]. It returns the local write error only; a
// remote failure is logged and retried later.
func (s *Syncer) Save(ctx context.Context, production string, st review.PickState) error {
	var localErr error
	if s.local != nil {
		if err := s.local.Save(ctx, production, st); err != nil {
			s.metrics.RecordSaveFailure(ctx, "local")
			localErr = fmt.Errorf("persist: local save of segment %d: %w", st.Segment, err)
		}
	}
	if s.remote == nil {
		return localErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := job{production: production, seq: s.seq, state: st.Clone()}
	if s.closed {
		s.addPendingLocked(j)
		return localErr
	}
	select {
	case s.queue <- j:
	default:
		// Queue full: the worker picks it up with the next push.
		s.addPendingLocked(j)
	}
	return localErr
}

// Load reads both stores in parallel and merges them per segment. A store
// that fails is logged and treated as empty; Load fails only when both do.
func (s *Syncer) Load(ctx context.Context, production string) ([]review.PickState, error) {
	var (
		g                   errgroup.Group
		local, remote       []review.PickState
		localErr, remoteErr error
	)
	if s.local != nil {
		g.Go(func() error {
			local, localErr = s.local.Load(ctx, production)
			return nil
		})
	}
	if s.remote != nil {
		g.Go(func() error {
			remote, remoteErr = s.remote.Load(ctx, production)
			return nil
		})
	}
	_ = g.Wait()

	localErr = ignoreNotFound(localErr)
	remoteErr = ignoreNotFound(remoteErr)
	log := observe.Logger(ctx)
	switch {
	case localErr != nil && (remoteErr != nil || s.remote == nil):
		return nil, fmt.Errorf("persist: load %s: %w", production, errors.Join(localErr, remoteErr))
	case remoteErr != nil && s.local == nil:
		return nil, fmt.Errorf("persist: load %s: %w", production, remoteErr)
	case localErr != nil:
		log.Warn("local pick store unavailable; using remote only", "production", production, "err", localErr)
	case remoteErr != nil:
		log.Warn("remote pick store unavailable; using local only", "production", production, "err", remoteErr)
	}
	return MergeAll(local, remote), nil
}

// Flush pushes every pending state to the remote store now.
func (s *Syncer) Flush(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	s.mu.Lock()
	prods := make([]string, 0, len(s.pending))
	for p := range s.pending {
		prods = append(prods, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range prods {
		if err := s.push(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending reports how many states are waiting for the remote store.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, segs := range s.pending {
		n += len(segs)
	}
	return n
}

// Close stops the worker after draining the queue, then makes one last
// attempt at the pending states.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *Syncer) run() {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.mu.Lock()
			s.addPendingLocked(j)
			s.mu.Unlock()
			_ = s.push(context.Background(), j.production)
		case <-ticker.C:
			if s.Pending() > 0 {
				_ = s.Flush(context.Background())
			}
		}
	}
}

// push sends every pending state of production in one write.
func (s *Syncer) push(ctx context.Context, production string) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	jobs := s.takePending(production)
	if len(jobs) == 0 {
		return nil
	}
	states := make([]review.PickState, len(jobs))
	for i, j := range jobs {
		states[i] = j.state
	}
	ctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	if err := s.remote.Save(ctx, production, states...); err != nil {
		s.metrics.RecordSaveFailure(ctx, "remote")
		slog.Warn("remote pick store save failed; will retry",
			"production", production,
			"states", len(states),
			"err", err,
		)
		s.restorePending(jobs)
		return fmt.Errorf("persist: remote save: %w", err)
	}
	s.markPushed(jobs)
	return nil
}

// addPendingLocked records j unless a newer state of the same segment is
// already pending. s.mu must be held.
func (s *Syncer) addPendingLocked(j job) {
	segs, ok := s.pending[j.production]
	if !ok {
		segs = make(map[int]job)
		s.pending[j.production] = segs
	}
	if cur, ok := segs[j.state.Segment]; ok && cur.seq > j.seq {
		return
	}
	if s.pushed[j.production][j.state.Segment] > j.seq {
		return
	}
	segs[j.state.Segment] = j
}

func (s *Syncer) takePending(production string) []job {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := s.pending[production]
	delete(s.pending, production)
	out := make([]job, 0, len(segs))
	for _, j := range segs {
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b job) int { return a.state.Segment - b.state.Segment })
	return out
}

func (s *Syncer) markPushed(jobs []job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		segs, ok := s.pushed[j.production]
		if !ok {
			segs = make(map[int]uint64)
			s.pushed[j.production] = segs
		}
		segs[j.state.Segment] = max(segs[j.state.Segment], j.seq)
	}
}

func (s *Syncer) restorePending(jobs []job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.addPendingLocked(j)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
