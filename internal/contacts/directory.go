// Package contacts maintains the in-memory contact directory.
//
// The directory holds an immutable, sorted Snapshot behind an atomic
// pointer. Reloads run through a single-flight group so that a refresh
// requested while another is in flight joins it instead of starting a
// second one. A failed reload keeps the previous snapshot.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/wesm/wxvault/internal/model"
	"github.com/wesm/wxvault/internal/scheduler"
)

const (
	// MinRefreshInterval is the floor applied to the background interval.
	MinRefreshInterval = 10 * time.Second
	// DefaultRefreshInterval is used when no interval is configured.
	DefaultRefreshInterval = 5 * time.Minute

	refreshJob = "contacts-refresh"
)

// ErrNoSnapshot is returned by Get when the cold-start load fails.
var ErrNoSnapshot = errors.New("contact directory not loaded")

// Loader reads the raw contact rows.
type Loader interface {
	LoadContacts(ctx context.Context) ([]model.Contact, int, error)
}

// Snapshot is an immutable view of the listable contacts, sorted by
// display name.
type Snapshot struct {
	Contacts []model.Contact
	LoadedAt time.Time
	Skipped  int

	index map[string]int
}

// Lookup finds a listed contact by username.
func (s *Snapshot) Lookup(username string) (model.Contact, bool) {
	i, ok := s.index[username]
	if !ok {
		return model.Contact{}, false
	}
	return s.Contacts[i], true
}

// Len returns the number of contacts in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Contacts)
}

// Status describes the cache for the status endpoint.
type Status struct {
	Loaded       bool
	LoadedAt     time.Time
	Count        int
	Refreshing   bool
	RefreshCount int64
	LastError    string
	LastErrorAt  time.Time
	Interval     time.Duration
	NextRefresh  time.Time
}

// Directory owns the contact cache. One Directory per service instance.
type Directory struct {
	loader Loader
	logger *slog.Logger
	now    func() time.Time

	snap       atomic.Pointer[Snapshot]
	group      singleflight.Group
	refreshing atomic.Bool
	refreshes  atomic.Int64

	mu        sync.Mutex
	lastErr   error
	lastErrAt time.Time
	interval  time.Duration
	sched     *scheduler.Scheduler
}

// NewDirectory creates an empty directory backed by loader.
func NewDirectory(loader Loader) *Directory {
	return &Directory{
		loader: loader,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (d *Directory) WithLogger(logger *slog.Logger) *Directory {
	d.logger = logger
	return d
}

// WithClock overrides the time source used for LoadedAt.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// Refresh reloads the directory. Concurrent calls share one reload and
// all receive its contact count and error.
func (d *Directory) Refresh(ctx context.Context) (int, error) {
	// The reload outlives any single caller's cancellation since other
	// callers may be waiting on it.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := d.group.Do(refreshJob, func() (interface{}, error) {
		return d.reload(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// ManualRefresh is the on-demand refresh path; it returns the number of
// contacts in the resulting snapshot.
func (d *Directory) ManualRefresh(ctx context.Context) (int, error) {
	return d.Refresh(ctx)
}

func (d *Directory) reload(ctx context.Context) (int, error) {
	d.refreshing.Store(true)
	defer d.refreshing.Store(false)

	start := d.now()
	rows, skipped, err := d.loader.LoadContacts(ctx)
	if err != nil {
		d.mu.Lock()
		d.lastErr = err
		d.lastErrAt = d.now()
		d.mu.Unlock()
		d.logger.Error("contact refresh failed, keeping previous snapshot", "error", err)
		return 0, fmt.Errorf("refresh contacts: %w", err)
	}

	snap := buildSnapshot(rows, d.now())
	snap.Skipped = skipped
	d.snap.Store(snap)
	d.refreshes.Add(1)

	d.mu.Lock()
	d.lastErr = nil
	d.mu.Unlock()

	d.logger.Info("contacts refreshed",
		"count", snap.Len(),
		"skipped", skipped,
		"duration", d.now().Sub(start))
	return snap.Len(), nil
}

// buildSnapshot filters out unlisted contacts and sorts the rest by
// case-folded display name, then username.
func buildSnapshot(rows []model.Contact, loadedAt time.Time) *Snapshot {
	type keyed struct {
		c   model.Contact
		key string
	}
	fold := cases.Fold()
	list := make([]keyed, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, c := range rows {
		if !c.Listable() || seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		list = append(list, keyed{c: c, key: fold.String(c.DisplayName())})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].key != list[j].key {
			return list[i].key < list[j].key
		}
		return list[i].c.Username < list[j].c.Username
	})

	snap := &Snapshot{
		Contacts: make([]model.Contact, len(list)),
		LoadedAt: loadedAt,
		index:    make(map[string]int, len(list)),
	}
	for i, k := range list {
		snap.Contacts[i] = k.c
		snap.index[k.c.Username] = i
	}
	return snap
}

// Get returns the current snapshot, loading it synchronously on first use.
func (d *Directory) Get(ctx context.Context) (*Snapshot, error) {
	if snap := d.snap.Load(); snap != nil {
		return snap, nil
	}
	if _, err := d.Refresh(ctx); err != nil {
		if snap := d.snap.Load(); snap != nil {
			return snap, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}
	return d.snap.Load(), nil
}

// Peek returns the current snapshot without loading, or nil.
func (d *Directory) Peek() *Snapshot {
	return d.snap.Load()
}

// Start schedules background refreshes every interval, clamped to
// MinRefreshInterval. It does not load immediately.
func (d *Directory) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if interval < MinRefreshInterval {
		d.logger.Warn("refresh interval below minimum, clamping",
			"requested", interval, "minimum", MinRefreshInterval)
		interval = MinRefreshInterval
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sched != nil {
		return fmt.Errorf("contact directory already started")
	}
	sched := scheduler.New().WithLogger(d.logger)
	if err := sched.Every(refreshJob, interval, func(ctx context.Context) error {
		_, err := d.Refresh(ctx)
		return err
	}); err != nil {
		return err
	}
	sched.Start()
	d.sched = sched
	d.interval = interval
	return nil
}

// Stop cancels the background timer. The returned context is done once any
// in-progress scheduled refresh has returned.
func (d *Directory) Stop() context.Context {
	d.mu.Lock()
	sched := d.sched
	d.sched = nil
	d.mu.Unlock()
	if sched == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return sched.Stop()
}

// Status reports cache state.
func (d *Directory) Status() Status {
	st := Status{
		Refreshing:   d.refreshing.Load(),
		RefreshCount: d.refreshes.Load(),
	}
	if snap := d.snap.Load(); snap != nil {
		st.Loaded = true
		st.LoadedAt = snap.LoadedAt
		st.Count = snap.Len()
	}
	d.mu.Lock()
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
		st.LastErrorAt = d.lastErrAt
	}
	st.Interval = d.interval
	sched := d.sched
	d.mu.Unlock()
	if sched != nil {
		if js, ok := sched.Status(refreshJob); ok {
			st.NextRefresh = js.NextRun
		}
	}
	return st
}
