// Copyright (c) 2020 The Strider Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/common/eventbus"
	"github.com/striderproject/strider/pkg/common/leader"
	"github.com/striderproject/strider/pkg/driver"
	"github.com/striderproject/strider/pkg/storage"
	"github.com/striderproject/strider/pkg/tasktracker"
)

const _waitTimeout = 2 * time.Second

// recorder keeps the order of interesting calls across the fakes.
type recorder struct {
	sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.Lock()
	defer r.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) indexOf(name string) int {
	r.Lock()
	defer r.Unlock()
	for i, c := range r.calls {
		if c == name {
			return i
		}
	}
	return -1
}

func (r *recorder) count(name string) int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeDriver struct {
	rec      *recorder
	exitCh   chan error
	stopOnce sync.Once
	stops    atomic.Int32
	failover atomic.Bool
	kills    struct {
		sync.Mutex
		ids []string
	}
	reconciles atomic.Int32
}

func newFakeDriver(rec *recorder) *fakeDriver {
	return &fakeDriver{
		rec:    rec,
		exitCh: make(chan error, 1),
	}
}

func (d *fakeDriver) Run() error {
	return <-d.exitCh
}

func (d *fakeDriver) Stop(failover bool) {
	d.rec.add("driver-stop")
	d.stops.Inc()
	d.failover.Store(failover)
	d.stopOnce.Do(func() { d.exitCh <- nil })
}

// crash makes Run return with the given error, as if the worker died.
func (d *fakeDriver) crash(err error) {
	d.exitCh <- err
}

func (d *fakeDriver) KillTask(taskID string) error {
	d.kills.Lock()
	defer d.kills.Unlock()
	d.kills.ids = append(d.kills.ids, taskID)
	return nil
}

func (d *fakeDriver) ReconcileTasks(taskIDs []string) error {
	d.reconciles.Inc()
	return nil
}

type fakeFactory struct {
	sync.Mutex
	rec     *recorder
	err     error
	created []*fakeDriver
}

func (f *fakeFactory) New() (driver.Driver, error) {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.rec.add("driver-new")
	d := newFakeDriver(f.rec)
	f.created = append(f.created, d)
	return d, nil
}

func (f *fakeFactory) count() int {
	f.Lock()
	defer f.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeDriver {
	f.Lock()
	defer f.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeMigrator struct {
	rec      *recorder
	failures atomic.Int32
	calls    atomic.Int32
}

func (m *fakeMigrator) Migrate(_ context.Context) error {
	m.rec.add("migrate")
	if m.calls.Inc() <= m.failures.Load() {
		return errors.New("migration blew up")
	}
	return nil
}

type fakeCoordinator struct {
	rec   *recorder
	actor *Actor
	err   error
}

func (c *fakeCoordinator) PrepareForStart(ctx context.Context) error {
	c.rec.add("coordinator-prepare")
	if c.err != nil {
		return c.err
	}
	if c.actor != nil {
		c.actor.Start()
	}
	return nil
}

func (c *fakeCoordinator) Stop() {
	c.rec.add("coordinator-stop")
	if c.actor != nil {
		c.actor.Stop()
	}
}

type fakeCallback struct {
	rec *recorder
	err error
}

func (c *fakeCallback) OnElected(_ context.Context) error {
	c.rec.add("callback-elected")
	return c.err
}

func (c *fakeCallback) OnDefeated(_ context.Context) error {
	c.rec.add("callback-defeated")
	return nil
}

type fakeCandidate struct {
	offers atomic.Int32
}

func (c *fakeCandidate) IsLeader() bool { return false }
func (c *fakeCandidate) Start() error   { return nil }
func (c *fakeCandidate) Stop() error    { return nil }
func (c *fakeCandidate) Offer()         { c.offers.Inc() }
func (c *fakeCandidate) Resign()        {}

type fakeAppStore struct {
	sync.Mutex
	apps map[string]*storage.AppDefinition
}

func newTestAppStore() *fakeAppStore {
	return &fakeAppStore{apps: make(map[string]*storage.AppDefinition)}
}

func (f *fakeAppStore) CreateApp(_ context.Context, app *storage.AppDefinition) error {
	f.Lock()
	defer f.Unlock()
	f.apps[app.ID] = app
	return nil
}

func (f *fakeAppStore) GetApp(_ context.Context, id string) (*storage.AppDefinition, error) {
	f.Lock()
	defer f.Unlock()
	if app, ok := f.apps[id]; ok {
		return app, nil
	}
	return nil, errors.New("app not found")
}

func (f *fakeAppStore) GetAppVersion(
	ctx context.Context, id, _ string) (*storage.AppDefinition, error) {
	return f.GetApp(ctx, id)
}

func (f *fakeAppStore) ListAppVersions(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (f *fakeAppStore) ListApps(_ context.Context) ([]*storage.AppDefinition, error) {
	f.Lock()
	defer f.Unlock()
	var apps []*storage.AppDefinition
	for _, app := range f.apps {
		apps = append(apps, app)
	}
	return apps, nil
}

type ServerTestSuite struct {
	suite.Suite

	rec         *recorder
	appStore    *fakeAppStore
	tracker     tasktracker.Tracker
	bus         eventbus.Bus
	events      chan interface{}
	factory     *fakeFactory
	migrator    *fakeMigrator
	coordinator *fakeCoordinator
	callback    *fakeCallback
	actor       *Actor
	candidate   *fakeCandidate
	server      *Server
	hookCalls   atomic.Int32
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.rec = &recorder{}
	s.appStore = newTestAppStore()
	s.tracker = tasktracker.New(s.appStore, tally.NoopScope)
	s.bus = eventbus.NewBus(tally.NoopScope)
	s.events = make(chan interface{}, 64)
	go func() {
		for e := range s.bus.Subscribe("test") {
			s.events <- e
		}
	}()
	s.factory = &fakeFactory{rec: s.rec}
	s.migrator = &fakeMigrator{rec: s.rec}
	s.callback = &fakeCallback{rec: s.rec}
	s.candidate = &fakeCandidate{}
	s.hookCalls.Store(0)

	cfg := &Config{
		ZKTimeout:                  100 * time.Millisecond,
		OnElectedPrepareTimeout:    200 * time.Millisecond,
		MaxActorStartupTime:        100 * time.Millisecond,
		ReconciliationInitialDelay: 10 * time.Millisecond,
		ReconciliationInterval:     20 * time.Millisecond,
		ScaleAppsInitialDelay:      10 * time.Millisecond,
		ScaleAppsInterval:          20 * time.Millisecond,
		LeaderOfferBackoffInitial:  20 * time.Millisecond,
		LeaderOfferBackoffMax:      80 * time.Millisecond,
	}

	var server *Server
	s.actor = NewActor(
		s.appStore,
		s.tracker,
		nil,
		func() driver.Driver {
			if server == nil {
				return nil
			}
			return server.CurrentDriver()
		},
		s.bus,
		tally.NoopScope,
	)
	s.coordinator = &fakeCoordinator{rec: s.rec, actor: s.actor}

	server = NewServer(
		tally.NoopScope,
		cfg,
		s.factory,
		s.migrator,
		s.coordinator,
		[]LeadershipCallback{s.callback},
		s.actor,
		s.tracker,
		s.bus,
		"test",
	)
	s.server = server
	s.server.SetCandidate(s.candidate)
}

func (s *ServerTestSuite) TearDownTest() {
	s.server.Stop()
}

func (s *ServerTestSuite) hook() leader.AbdicationHook {
	var once sync.Once
	return func() {
		once.Do(func() { s.hookCalls.Inc() })
	}
}

func (s *ServerTestSuite) waitFor(cond func() bool, msg string) {
	deadline := time.Now().Add(_waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.FailNow("condition never met: " + msg)
}

func (s *ServerTestSuite) countEvents(match func(interface{}) bool) int {
	n := 0
	for {
		select {
		case e := <-s.events:
			if match(e) {
				n++
			}
		default:
			return n
		}
	}
}

func isElectedEvent(e interface{}) bool {
	_, ok := e.(*ElectedAsLeaderEvent)
	return ok
}

func isStandbyEvent(e interface{}) bool {
	_, ok := e.(*StandbyEvent)
	return ok
}

// Solo cold start: the server self-elects after the initial backoff, and a
// later shutdown stops the driver with failover and releases the latch.
func (s *ServerTestSuite) TestSoloColdStartAndShutdown() {
	solo, err := leader.NewSoloCandidate(tally.NoopScope, "scheduler", s.server)
	s.NoError(err)
	s.server.SetCandidate(solo)

	s.server.Start()
	s.NoError(solo.Start())

	runDone := make(chan struct{})
	go func() {
		s.server.Run()
		close(runDone)
	}()

	s.waitFor(s.server.HasGainedLeadership, "solo self-election")
	s.Equal(1, s.factory.count())
	s.waitFor(func() bool {
		return s.countEvents(isElectedEvent) > 0
	}, "elected event")

	s.NoError(solo.Stop())

	select {
	case <-runDone:
	case <-time.After(_waitTimeout):
		s.FailNow("run did not return after shutdown")
	}

	drv := s.factory.last()
	s.True(drv.stops.Load() >= 1)
	s.True(drv.failover.Load(), "driver must stop with failover")
	s.False(s.server.HasGainedLeadership())
}

// Election win: preparation succeeds, activation happens in order, the
// backoff resets and exactly one elected event is published.
func (s *ServerTestSuite) TestElectionActivates() {
	s.server.Start()

	s.NoError(s.server.GainedLeadershipCallback(s.hook()))

	s.True(s.server.HasGainedLeadership())
	s.Equal(1, s.factory.count())
	s.waitFor(func() bool {
		return s.countEvents(isElectedEvent) == 1
	}, "exactly one elected event")

	// Strict preparation order.
	s.True(s.rec.indexOf("migrate") < s.rec.indexOf("callback-elected"))
	s.True(s.rec.indexOf("callback-elected") < s.rec.indexOf("coordinator-prepare"))
	s.True(s.rec.indexOf("coordinator-prepare") < s.rec.indexOf("driver-new"))

	// Activation resets the backoff.
	s.Equal(20*time.Millisecond, s.server.backoff.Current())
	// The hook now belongs to the driver-exit handler.
	s.Equal(int32(0), s.hookCalls.Load())
}

// Preparation failure: backoff doubles, the hook runs, no driver is ever
// constructed, no elected event is published, candidacy is re-offered.
func (s *ServerTestSuite) TestPreparationFailure() {
	s.migrator.failures.Store(1)
	s.server.Start()

	s.Error(s.server.GainedLeadershipCallback(s.hook()))

	s.False(s.server.HasGainedLeadership())
	s.Equal(0, s.factory.count())
	s.Equal(int32(1), s.hookCalls.Load())
	s.Equal(40*time.Millisecond, s.server.backoff.Current())
	s.Equal(0, s.countEvents(isElectedEvent))

	s.waitFor(func() bool {
		return s.candidate.offers.Load() >= 1
	}, "re-offer after failed preparation")
}

// Consecutive preparation failures double the delay up to (and once past)
// the ceiling.
func (s *ServerTestSuite) TestBackoffCeilingOnRepeatedFailures() {
	s.migrator.failures.Store(10)
	s.server.Start()

	expected := []time.Duration{
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
		160 * time.Millisecond,
	}
	for _, want := range expected {
		s.Error(s.server.GainedLeadershipCallback(s.hook()))
		s.Equal(want, s.server.backoff.Current())
	}
}

// Defeat while active: periodic ops cancelled, driver stopped, tracker
// cleared, leader flag dropped, standby published, candidacy re-offered.
func (s *ServerTestSuite) TestDefeatWhileActive() {
	s.server.Start()
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))
	s.waitFor(func() bool {
		return s.countEvents(isElectedEvent) == 1
	}, "elected event")

	s.tracker.RecordStatus("web.1", "TASK_RUNNING", "host1")

	s.NoError(s.server.LostLeadershipCallback())

	s.False(s.server.HasGainedLeadership())
	drv := s.factory.last()
	s.True(drv.stops.Load() >= 1)
	s.True(drv.failover.Load())
	s.Empty(s.tracker.TaskIDs(), "tracker must be cleared on defeat")
	s.Equal(1, s.rec.count("callback-defeated"))
	s.waitFor(func() bool {
		return s.countEvents(isStandbyEvent) >= 1
	}, "standby event")
	s.waitFor(func() bool {
		return s.candidate.offers.Load() >= 1
	}, "re-offer after defeat")
	s.Nil(s.server.CurrentDriver(), "driver slot must be released")
}

// Driver crash: the error is surfaced, the hook runs exactly once, and the
// backoff is unchanged because activation had succeeded.
func (s *ServerTestSuite) TestDriverCrash() {
	s.server.Start()
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))

	drv := s.factory.last()
	drv.crash(errors.New("lost connection to master"))

	s.waitFor(func() bool {
		return s.hookCalls.Load() == 1
	}, "hook executed by driver-exit handler")
	s.Equal(20*time.Millisecond, s.server.backoff.Current(),
		"driver crashes do not increase backoff")

	// The coordination service reacts to the abdication with a defeat.
	s.NoError(s.server.LostLeadershipCallback())
	s.waitFor(func() bool {
		return s.candidate.offers.Load() >= 1
	}, "re-offer after crash")

	// A new epoch constructs a fresh driver; handles are never reused.
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))
	s.Equal(2, s.factory.count())
	s.False(s.factory.created[0] == s.factory.created[1])
}

// Hook exclusivity: when activation succeeded, only the driver-exit
// handler runs the hook; the failure path never does.
func (s *ServerTestSuite) TestHookRunsExactlyOncePerEpoch() {
	s.server.Start()
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))

	// Defeat stops the driver; its exit handler runs the hook.
	s.NoError(s.server.LostLeadershipCallback())
	s.waitFor(func() bool {
		return s.hookCalls.Load() == 1
	}, "hook executed once")

	time.Sleep(50 * time.Millisecond)
	s.Equal(int32(1), s.hookCalls.Load())
}

// Repeated shutdowns are no-ops after the first.
func (s *ServerTestSuite) TestShutdownIdempotent() {
	s.server.Start()
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))

	runDone := make(chan struct{})
	go func() {
		s.server.Run()
		close(runDone)
	}()

	s.server.Stop()
	s.server.Stop()
	s.server.Stop()

	select {
	case <-runDone:
	case <-time.After(_waitTimeout):
		s.FailNow("run did not return after shutdown")
	}

	drv := s.factory.last()
	s.Equal(int32(1), drv.stops.Load(), "driver stopped exactly once")
	s.Equal(1, s.rec.count("coordinator-stop"))
	s.False(s.server.HasGainedLeadership())

	// No candidacy offers after shutdown.
	offers := s.candidate.offers.Load()
	time.Sleep(60 * time.Millisecond)
	s.Equal(offers, s.candidate.offers.Load())
}

// Ticker epoch containment: the periodic operations of an epoch stop
// producing work once the defeat transition completes.
func (s *ServerTestSuite) TestTickerStopsAfterDefeat() {
	s.server.Start()
	s.NoError(s.server.GainedLeadershipCallback(s.hook()))

	drv := s.factory.last()
	s.waitFor(func() bool {
		return drv.reconciles.Load() >= 1
	}, "reconcile tick reached the driver")

	s.NoError(s.server.LostLeadershipCallback())

	// Give any in-flight tick time to drain, then verify no new work.
	time.Sleep(30 * time.Millisecond)
	count := drv.reconciles.Load()
	time.Sleep(100 * time.Millisecond)
	s.Equal(count, drv.reconciles.Load(),
		"no reconcile ticks after defeat")
}

// An election arriving during shutdown is relinquished immediately.
func (s *ServerTestSuite) TestElectedDuringShutdown() {
	s.server.Start()
	s.server.Stop()

	s.NoError(s.server.GainedLeadershipCallback(s.hook()))
	s.Equal(int32(1), s.hookCalls.Load())
	s.Equal(0, s.factory.count())
	s.False(s.server.HasGainedLeadership())
}
