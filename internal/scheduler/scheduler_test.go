package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/github"
	"github.com/foremanhq/foreman/internal/session"
)

type fakeBacklog struct {
	mu       sync.Mutex
	open     []github.WorkItem
	resolved []int
	err      error

	openCalls     int
	resolvedCalls int
}

func (f *fakeBacklog) ListOpenItems(_ context.Context, _, _ string) ([]github.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.open, f.err
}

func (f *fakeBacklog) ResolvedSince(_ context.Context, _, _ string, _ time.Time) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvedCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resolved, nil
}

type fakeStarter struct {
	mu       sync.Mutex
	running  int
	live     map[string]bool
	started  []string
	startErr map[string]error

	// countDelay widens the window between the ceiling read and the
	// starts it permits.
	countDelay time.Duration
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{live: make(map[string]bool), startErr: make(map[string]error)}
}

func (f *fakeStarter) Start(_ string, _ session.Skill, workItemKey, _ string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[workItemKey]; err != nil {
		return nil, err
	}
	f.started = append(f.started, workItemKey)
	f.live[workItemKey] = true
	return &session.Session{WorkItemKey: workItemKey}, nil
}

func (f *fakeStarter) RunningCount(session.Skill) int {
	time.Sleep(f.countDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running + len(f.started)
}

func (f *fakeStarter) HasSessionFor(workItemKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[workItemKey]
}

type fakeSchedNotifier struct {
	mu          sync.Mutex
	autoStarted []int
	deferred    [][]int
	complete    int
	cycles      [][]int
}

func (n *fakeSchedNotifier) AutoStarted(_ string, number int, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoStarted = append(n.autoStarted, number)
}

func (n *fakeSchedNotifier) CapacityDeferred(_ string, numbers []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deferred = append(n.deferred, numbers)
}

func (n *fakeSchedNotifier) TreeComplete(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete++
}

func (n *fakeSchedNotifier) CycleDetected(_ string, cycle []int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cycles = append(n.cycles, cycle)
}

func testProject() config.Project {
	return config.Project{Key: "acme/widgets", Workdir: "/tmp/acme", Enabled: true}
}

func newTestScheduler(bl *fakeBacklog, st *fakeStarter, fn *fakeSchedNotifier, opts Options) *Scheduler {
	s := New(opts, bl, st, fn, zerolog.Nop())
	s.Track(testProject())
	return s
}

func TestFirstPollRecordsBaselineOnly(t *testing.T) {
	bl := &fakeBacklog{resolved: []int{5}, open: []github.WorkItem{{Number: 6, DependsOn: []int{5}}}}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Zero(t, bl.resolvedCalls)
	assert.Empty(t, st.started)

	// Second poll has a baseline and proceeds.
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, 1, bl.resolvedCalls)
	assert.Equal(t, []string{"acme/widgets#6"}, st.started)
}

func TestLookbackSeedsBaseline(t *testing.T) {
	bl := &fakeBacklog{resolved: []int{5}, open: []github.WorkItem{{Number: 6, DependsOn: []int{5}}}}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: 24 * time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, []string{"acme/widgets#6"}, st.started)
}

func TestNothingResolvedExitsEarly(t *testing.T) {
	bl := &fakeBacklog{resolved: nil, open: []github.WorkItem{{Number: 6, DependsOn: []int{5}}}}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Zero(t, bl.openCalls)
	assert.Empty(t, st.started)
}

func TestPollIsIdempotent(t *testing.T) {
	bl := &fakeBacklog{resolved: []int{5}, open: []github.WorkItem{{Number: 6, DependsOn: []int{5}}}}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	require.Len(t, st.started, 1)

	// Nothing newly resolved: the second poll spawns nothing even
	// though the backlog still reports the same resolved set.
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Len(t, st.started, 1)
}

func TestCapacityCeilingBlocksAll(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{1},
		open: []github.WorkItem{
			{Number: 2, DependsOn: []int{1}},
			{Number: 3, DependsOn: []int{1}},
			{Number: 4, DependsOn: []int{1}},
		},
	}
	st := newFakeStarter()
	st.running = 2
	fn := &fakeSchedNotifier{}
	s := newTestScheduler(bl, st, fn, Options{Lookback: time.Hour, MaxAuto: 2})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Empty(t, st.started)
	require.Len(t, fn.deferred, 1)
	assert.Equal(t, []int{2, 3, 4}, fn.deferred[0])
}

func TestStartsUpToCapacityAndDefersRest(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{1},
		open: []github.WorkItem{
			{Number: 2, DependsOn: []int{1}},
			{Number: 3, DependsOn: []int{1}},
			{Number: 4, DependsOn: []int{1}},
		},
	}
	st := newFakeStarter()
	fn := &fakeSchedNotifier{}
	s := newTestScheduler(bl, st, fn, Options{Lookback: time.Hour, MaxAuto: 2})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, []string{"acme/widgets#2", "acme/widgets#3"}, st.started)
	assert.Equal(t, []int{2, 3}, fn.autoStarted)
	require.Len(t, fn.deferred, 1)
	assert.Equal(t, []int{4}, fn.deferred[0])
}

func TestConcurrentPollsShareCeiling(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{1},
		open: []github.WorkItem{
			{Number: 2, DependsOn: []int{1}},
			{Number: 3, DependsOn: []int{1}},
		},
	}
	st := newFakeStarter()
	st.countDelay = 20 * time.Millisecond
	fn := &fakeSchedNotifier{}
	s := New(Options{Lookback: time.Hour, MaxAuto: 2}, bl, st, fn, zerolog.Nop())
	s.Track(config.Project{Key: "acme/widgets", Workdir: "/tmp/w", Enabled: true})
	s.Track(config.Project{Key: "acme/gears", Workdir: "/tmp/g", Enabled: true})

	var wg sync.WaitGroup
	for _, key := range []string{"acme/widgets", "acme/gears"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = s.Poll(context.Background(), key)
		}(key)
	}
	wg.Wait()

	// The ceiling is global: whichever poll runs second sees the first
	// poll's starts and defers everything instead of overshooting.
	assert.Len(t, st.started, 2)
	fn.mu.Lock()
	defer fn.mu.Unlock()
	require.Len(t, fn.deferred, 1)
	assert.Equal(t, []int{2, 3}, fn.deferred[0])
}

func TestSkipsItemsWithLiveSessions(t *testing.T) {
	bl := &fakeBacklog{resolved: []int{1}, open: []github.WorkItem{{Number: 2, DependsOn: []int{1}}}}
	st := newFakeStarter()
	st.live["acme/widgets#2"] = true
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Empty(t, st.started)
}

func TestSpawnFailureDoesNotAbortPoll(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{1},
		open: []github.WorkItem{
			{Number: 2, DependsOn: []int{1}},
			{Number: 3, DependsOn: []int{1}},
		},
	}
	st := newFakeStarter()
	st.startErr["acme/widgets#2"] = errors.New("exec: not found")
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour, MaxAuto: 2})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, []string{"acme/widgets#3"}, st.started)
}

func TestBacklogErrorAbortsPoll(t *testing.T) {
	bl := &fakeBacklog{err: errors.New("502")}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour})

	require.Error(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Empty(t, st.started)
}

func TestDisabledProjectSkipsPoll(t *testing.T) {
	bl := &fakeBacklog{resolved: []int{1}}
	st := newFakeStarter()
	s := newTestScheduler(bl, st, &fakeSchedNotifier{}, Options{Lookback: time.Hour})
	require.NoError(t, s.SetEnabled("acme/widgets", false))

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Zero(t, bl.resolvedCalls)
}

func TestPollUnknownProject(t *testing.T) {
	s := New(Options{}, &fakeBacklog{}, newFakeStarter(), nil, zerolog.Nop())
	require.Error(t, s.Poll(context.Background(), "nope/nope"))
}

func TestCycleNotifiedOncePerOccurrence(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{9},
		open: []github.WorkItem{
			{Number: 1, DependsOn: []int{2}},
			{Number: 2, DependsOn: []int{1}},
		},
	}
	st := newFakeStarter()
	fn := &fakeSchedNotifier{}
	s := newTestScheduler(bl, st, fn, Options{Lookback: time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	require.Len(t, fn.cycles, 1)
	assert.ElementsMatch(t, []int{1, 2}, fn.cycles[0])

	// Graph becomes acyclic, then the same cycle reappears: it is
	// reported again.
	bl.mu.Lock()
	bl.open = []github.WorkItem{{Number: 1}}
	bl.mu.Unlock()
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))

	bl.mu.Lock()
	bl.open = []github.WorkItem{
		{Number: 1, DependsOn: []int{2}},
		{Number: 2, DependsOn: []int{1}},
	}
	bl.mu.Unlock()
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Len(t, fn.cycles, 2)
}

func TestTreeCompleteNotifiedOnce(t *testing.T) {
	bl := &fakeBacklog{
		resolved: []int{5},
		open: []github.WorkItem{
			{Number: 6, DependsOn: []int{5}},
		},
	}
	st := newFakeStarter()
	fn := &fakeSchedNotifier{}
	s := newTestScheduler(bl, st, fn, Options{Lookback: time.Hour})

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Zero(t, fn.complete)

	// Everything tracked (5 and 6) has left the open set.
	bl.mu.Lock()
	bl.open = nil
	bl.resolved = []int{6}
	bl.mu.Unlock()
	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, 1, fn.complete)

	require.NoError(t, s.Poll(context.Background(), "acme/widgets"))
	assert.Equal(t, 1, fn.complete)
}
