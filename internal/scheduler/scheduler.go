package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foremanhq/foreman/internal/config"
	ferrors "github.com/foremanhq/foreman/internal/errors"
	"github.com/foremanhq/foreman/internal/github"
	"github.com/foremanhq/foreman/internal/metrics"
	"github.com/foremanhq/foreman/internal/retry"
	"github.com/foremanhq/foreman/internal/session"
)

// Backlog lists a project's work items. Implemented by the github client.
type Backlog interface {
	ListOpenItems(ctx context.Context, owner, repo string) ([]github.WorkItem, error)
	ResolvedSince(ctx context.Context, owner, repo string, since time.Time) ([]int, error)
}

// Starter starts and inspects sessions. Implemented by the session registry.
type Starter interface {
	Start(workdir string, skill session.Skill, workItemKey, instruction string) (*session.Session, error)
	RunningCount(skill session.Skill) int
	HasSessionFor(workItemKey string) bool
}

// Notifier reports scheduler decisions outward. All methods are
// best-effort: implementations log failures and never propagate them.
type Notifier interface {
	AutoStarted(projectKey string, number int, title string)
	CapacityDeferred(projectKey string, numbers []int)
	TreeComplete(projectKey string)
	CycleDetected(projectKey string, cycle []int)
}

// NopNotifier discards all scheduler notifications.
type NopNotifier struct{}

func (NopNotifier) AutoStarted(string, int, string) {}
func (NopNotifier) CapacityDeferred(string, []int)  {}
func (NopNotifier) TreeComplete(string)             {}
func (NopNotifier) CycleDetected(string, []int)     {}

// Options tune scheduler-wide defaults. Per-project settings in the
// project file override them.
type Options struct {
	PollInterval time.Duration
	MaxAuto      int

	// Lookback seeds the first poll's since-baseline after a restart.
	// Zero means the first poll only records a baseline and starts
	// nothing.
	Lookback time.Duration
}

type projectState struct {
	project config.Project
	enabled bool

	lastCheckAt      time.Time
	tracked          map[int]bool
	notifiedComplete bool
	notifiedCycles   map[string]bool
}

// Scheduler owns one poll loop per tracked project.
type Scheduler struct {
	opts     Options
	backlog  Backlog
	starter  Starter
	notifier Notifier
	metrics  *metrics.Metrics
	retryCfg retry.Config
	logger   zerolog.Logger

	mu       sync.Mutex
	projects map[string]*projectState

	// startMu serializes the ceiling check and the starts it permits.
	// Project tickers and manual triggers poll concurrently, so without
	// it two overlapping polls could both see free slots and overshoot
	// the ceiling together.
	startMu sync.Mutex
}

// New creates a Scheduler. Projects are added with Track.
func New(opts Options, backlog Backlog, starter Starter, notifier Notifier, logger zerolog.Logger) *Scheduler {
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Minute
	}
	if opts.MaxAuto == 0 {
		opts.MaxAuto = 2
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Scheduler{
		opts:     opts,
		backlog:  backlog,
		starter:  starter,
		notifier: notifier,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.With().Str("component", "scheduler").Logger(),
		projects: make(map[string]*projectState),
	}
}

// SetMetrics attaches the metrics collector.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Track registers a project for polling. Idempotent per key.
func (s *Scheduler) Track(p config.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.Key]; ok {
		return
	}
	s.projects[p.Key] = &projectState{
		project:        p,
		enabled:        p.Enabled,
		tracked:        make(map[int]bool),
		notifiedCycles: make(map[string]bool),
	}
	s.logger.Info().Str("project", p.Key).Bool("enabled", p.Enabled).Msg("tracking project")
}

// Projects returns the tracked project keys.
func (s *Scheduler) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.projects))
	for k := range s.projects {
		keys = append(keys, k)
	}
	return keys
}

// SetEnabled flips polling for one project.
func (s *Scheduler) SetEnabled(projectKey string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.projects[projectKey]
	if !ok {
		return fmt.Errorf("project %s: %w", projectKey, ferrors.ErrNotFound)
	}
	st.enabled = enabled
	s.logger.Info().Str("project", projectKey).Bool("enabled", enabled).Msg("project polling toggled")
	return nil
}

// Run polls every tracked project on its interval until ctx is done.
// One timer per project; a slow poll on one backlog never delays the
// others.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	states := make([]*projectState, 0, len(s.projects))
	for _, st := range s.projects {
		states = append(states, st)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		interval := st.project.PollInterval
		if interval == 0 {
			interval = s.opts.PollInterval
		}
		wg.Add(1)
		go func(st *projectState, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.pollState(ctx, st); err != nil {
						s.logger.Error().Err(err).Str("project", st.project.Key).Msg("poll failed")
					}
				}
			}
		}(st, interval)
	}
	wg.Wait()
}

// Poll triggers one poll cycle for a project, used by the manual
// trigger endpoint.
func (s *Scheduler) Poll(ctx context.Context, projectKey string) error {
	s.mu.Lock()
	st, ok := s.projects[projectKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("project %s: %w", projectKey, ferrors.ErrNotFound)
	}
	return s.pollState(ctx, st)
}

// pollState runs one poll cycle for one backlog. Collaborator failures
// abort this cycle only; the next tick retries.
func (s *Scheduler) pollState(ctx context.Context, st *projectState) error {
	s.mu.Lock()
	if !st.enabled {
		s.mu.Unlock()
		return nil
	}
	key := st.project.Key
	owner, repo := st.project.Owner(), st.project.Repo()
	since := st.lastCheckAt

	if since.IsZero() {
		// No baseline yet. Seed one from the lookback window, or just
		// record now and wait for the next tick.
		if s.opts.Lookback > 0 {
			since = time.Now().Add(-s.opts.Lookback)
			st.lastCheckAt = since
		} else {
			st.lastCheckAt = time.Now()
			s.mu.Unlock()
			s.logger.Debug().Str("project", key).Msg("first poll, baseline recorded")
			return nil
		}
	}
	s.mu.Unlock()

	started := time.Now()
	defer func() {
		s.metrics.ObservePoll(time.Since(started).Seconds())
	}()

	var resolved []int
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		var rerr error
		resolved, rerr = s.backlog.ResolvedSince(ctx, owner, repo, since)
		return rerr
	})
	if err != nil {
		s.metrics.RecordPoll(key, "error")
		return fmt.Errorf("fetching resolved items: %w", err)
	}
	if len(resolved) == 0 {
		s.setLastCheck(st, started)
		s.metrics.RecordPoll(key, "noop")
		return nil
	}

	var items []github.WorkItem
	err = retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		var lerr error
		items, lerr = s.backlog.ListOpenItems(ctx, owner, repo)
		return lerr
	})
	if err != nil {
		s.metrics.RecordPoll(key, "error")
		return fmt.Errorf("fetching open items: %w", err)
	}

	graph := BuildGraph(items)
	resolvedSet := make(map[int]bool, len(resolved))
	for _, n := range resolved {
		resolvedSet[n] = true
	}

	s.reportCycles(st, graph)

	unblocked := graph.Unblocked(resolvedSet)
	s.startUnblocked(st, graph, unblocked)
	s.updateTracked(st, graph)

	s.setLastCheck(st, started)
	s.metrics.RecordPoll(key, "ok")
	return nil
}

func (s *Scheduler) setLastCheck(st *projectState, t time.Time) {
	s.mu.Lock()
	st.lastCheckAt = t
	s.mu.Unlock()
}

// reportCycles notifies each cycle once per occurrence, keyed by its
// member set, and clears the memory once the graph is acyclic again.
func (s *Scheduler) reportCycles(st *projectState, graph *Graph) {
	cycles := graph.DetectCycles()

	s.mu.Lock()
	key := st.project.Key
	if len(cycles) == 0 {
		if len(st.notifiedCycles) > 0 {
			st.notifiedCycles = make(map[string]bool)
		}
		s.mu.Unlock()
		return
	}

	var fresh [][]int
	for _, cycle := range cycles {
		sig := cycleSignature(cycle)
		if st.notifiedCycles[sig] {
			continue
		}
		st.notifiedCycles[sig] = true
		fresh = append(fresh, cycle)
	}
	s.mu.Unlock()

	for _, cycle := range fresh {
		s.logger.Warn().Str("project", key).Ints("cycle", cycle).Msg("dependency cycle detected")
		s.notifier.CycleDetected(key, cycle)
	}
}

// startUnblocked starts sessions for unblocked items up to the free
// capacity. A spawn failure skips that item only.
func (s *Scheduler) startUnblocked(st *projectState, graph *Graph, unblocked []int) {
	if len(unblocked) == 0 {
		return
	}
	key := st.project.Key

	s.startMu.Lock()
	defer s.startMu.Unlock()

	ceiling := st.project.MaxAuto
	if ceiling == 0 {
		ceiling = s.opts.MaxAuto
	}
	slots := ceiling - s.starter.RunningCount(session.SkillImplement)
	if slots <= 0 {
		s.logger.Info().Str("project", key).Ints("deferred", unblocked).Msg("no capacity, all unblocked items deferred")
		s.notifier.CapacityDeferred(key, unblocked)
		return
	}

	var deferred []int
	startedCount := 0
	for _, number := range unblocked {
		itemKey := session.ItemKey(key, number)
		if s.starter.HasSessionFor(itemKey) {
			continue
		}
		if startedCount >= slots {
			deferred = append(deferred, number)
			continue
		}

		title := graph.Nodes[number].Title
		instruction := fmt.Sprintf("Work on issue #%d: %s", number, title)
		if _, err := s.starter.Start(st.project.Workdir, session.SkillImplement, itemKey, instruction); err != nil {
			s.logger.Error().Err(err).Str("item", itemKey).Msg("auto-start failed")
			s.metrics.RecordSpawn("auto", "error")
			continue
		}
		startedCount++
		s.metrics.RecordSpawn("auto", "ok")
		s.logger.Info().Str("item", itemKey).Msg("auto-started unblocked item")
		s.notifier.AutoStarted(key, number, title)
	}

	if len(deferred) > 0 {
		s.notifier.CapacityDeferred(key, deferred)
	}
}

// updateTracked folds this poll's dependency tree into the running
// tracked set and emits the one-time tree-complete notification when
// every tracked item has left the open set.
func (s *Scheduler) updateTracked(st *projectState, graph *Graph) {
	s.mu.Lock()
	key := st.project.Key

	for _, n := range graph.Nodes {
		if len(n.DependsOn) == 0 {
			continue
		}
		if !st.tracked[n.Number] {
			st.tracked[n.Number] = true
			st.notifiedComplete = false
		}
		for _, dep := range n.DependsOn {
			if !st.tracked[dep] {
				st.tracked[dep] = true
				st.notifiedComplete = false
			}
		}
	}

	if len(st.tracked) == 0 {
		s.mu.Unlock()
		return
	}
	for number := range st.tracked {
		if _, open := graph.Nodes[number]; open {
			s.mu.Unlock()
			return
		}
	}
	if st.notifiedComplete {
		s.mu.Unlock()
		return
	}
	st.notifiedComplete = true
	s.mu.Unlock()

	s.logger.Info().Str("project", key).Msg("dependency tree complete")
	s.notifier.TreeComplete(key)
}
