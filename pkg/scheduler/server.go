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
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/common"
	"github.com/striderproject/strider/pkg/common/background"
	"github.com/striderproject/strider/pkg/common/backoff"
	"github.com/striderproject/strider/pkg/common/eventbus"
	"github.com/striderproject/strider/pkg/common/leader"
	"github.com/striderproject/strider/pkg/driver"
	"github.com/striderproject/strider/pkg/storage"
	"github.com/striderproject/strider/pkg/tasktracker"
)

// Server is the scheduler's leadership core. It implements
// leader.Nomination so it can perform leader election among multiple
// scheduler instances, owns the single resource-offer driver of the
// current epoch, and runs the periodic control loops while leader.
type Server struct {
	sync.Mutex

	ID   string
	role string

	cfg *Config

	// shutdown is the single-shot barrier of the service shell: Run
	// blocks on it, and the first Stop closes it after the teardown
	// completes. stopOnce guarantees it is released exactly once.
	shutdown chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	backoff backoff.Controller

	candidate leader.Candidate

	driverFactory driver.Factory
	// currentDriver is the at-most-one driver of the current epoch.
	currentDriver driver.Driver
	// driverHandlesAbdication flips once the driver worker has been
	// launched for the epoch: from then on the abdication hook is the
	// driver-exit handler's responsibility.
	driverHandlesAbdication bool

	migrator    storage.Migrator
	coordinator LeadershipCoordinator
	callbacks   []LeadershipCallback

	actor   *Actor
	tracker tasktracker.Tracker
	bus     eventbus.Bus

	// bgManager holds the periodic works of the current epoch. It is
	// created fresh on every activation and discarded on defeat.
	bgManager background.Manager

	// elected is the process-wide leader flag, read by the control-loop
	// ticks to gate work.
	elected atomic.Bool
	running atomic.Bool

	metrics *Metrics
}

// NewServer creates a scheduler Server instance.
func NewServer(
	parent tally.Scope,
	cfg *Config,
	driverFactory driver.Factory,
	migrator storage.Migrator,
	coordinator LeadershipCoordinator,
	callbacks []LeadershipCallback,
	actor *Actor,
	tracker tasktracker.Tracker,
	bus eventbus.Bus,
	version string,
) *Server {
	cfg.normalize()
	s := &Server{
		ID:            leader.NewID(cfg.HTTPPort, version),
		role:          common.SchedulerRole,
		cfg:           cfg,
		shutdown:      make(chan struct{}),
		backoff:       backoff.NewController(cfg.LeaderOfferBackoffInitial, cfg.LeaderOfferBackoffMax),
		driverFactory: driverFactory,
		migrator:      migrator,
		coordinator:   coordinator,
		callbacks:     callbacks,
		actor:         actor,
		tracker:       tracker,
		bus:           bus,
		metrics:       NewMetrics(parent.SubScope("scheduler")),
	}
	log.Info("Scheduler server created.")
	return s
}

// SetCandidate wires the candidacy adapter. The candidate is constructed
// after the Server because it needs the Server as its Nomination.
func (s *Server) SetCandidate(candidate leader.Candidate) {
	s.Lock()
	defer s.Unlock()
	s.candidate = candidate
}

// HasGainedLeadership returns true iff this replica is currently driving.
func (s *Server) HasGainedLeadership() bool {
	return s.elected.Load()
}

// Start records start. No blocking work happens here.
func (s *Server) Start() {
	if s.started.Swap(true) {
		log.Warn("Scheduler server already started, no-op.")
		return
	}
	s.running.Store(true)
	log.WithField("role", s.role).Info("Scheduler server started")
}

// Run offers candidacy and then blocks until Stop releases the shutdown
// barrier. The barrier is closed only after teardown is done, so when Run
// returns the driver is stopped and the periodic operations are cancelled.
func (s *Server) Run() {
	s.offerLeadershipAfterBackoff()
	<-s.shutdown
	log.Info("Scheduler server run loop exited")
}

// Stop shuts the server down: clears the leader flag, stops the driver,
// cancels the periodic operations and releases the shutdown barrier.
// Idempotent: repeated calls are no-ops.
func (s *Server) Stop() {
	stopped := false
	s.stopOnce.Do(func() {
		stopped = true
		log.WithField("role", s.role).Info("Shutting down scheduler server")

		s.running.Store(false)
		s.elected.Store(false)
		s.metrics.Elected.Update(0)
		s.stopDriver()
		s.stopPeriodicOps()
		s.coordinator.Stop()

		close(s.shutdown)
	})
	if !stopped {
		log.Debug("Scheduler server already stopped, no-op.")
	}
}

// GetID returns the leader ID record of this instance.
// This implements leader.Nomination.
func (s *Server) GetID() string {
	return s.ID
}

// GainedLeadershipCallback runs the elected preparation sequence and
// activates this replica. On any failure the backoff is increased, defeat
// actions run, the hook (if any) is executed, and candidacy is re-offered.
// This implements leader.Nomination.
func (s *Server) GainedLeadershipCallback(hook leader.AbdicationHook) error {
	log.WithField("role", s.role).Info("Gained leadership")

	if !s.running.Load() {
		log.Warn("Elected while shutting down, relinquishing immediately")
		if hook != nil {
			hook()
		}
		return nil
	}

	if err := s.prepareForLeadership(); err != nil {
		s.failPreparation(err, hook)
		return err
	}

	drv, err := s.driverFactory.New()
	if err != nil {
		s.failPreparation(errors.Wrap(err, "driver construction failed"), hook)
		return err
	}

	s.activate(drv, hook)
	return nil
}

// LostLeadershipCallback stands this replica down and re-offers candidacy
// unless the server is shutting down.
// This implements leader.Nomination.
func (s *Server) LostLeadershipCallback() error {
	log.WithField("role", s.role).Info("Lost leadership")

	s.abdicateLeadership()

	if s.running.Load() {
		s.offerLeadershipAfterBackoff()
	}
	return nil
}

// ShutDownCallback is the callback to shut down gracefully if possible.
// This implements leader.Nomination.
func (s *Server) ShutDownCallback() error {
	log.WithField("role", s.role).Info("Quitting election")
	s.Stop()
	return nil
}

// offerLeadershipAfterBackoff schedules one candidacy offer after the
// current backoff delay.
func (s *Server) offerLeadershipAfterBackoff() {
	delay := s.backoff.Current()
	log.WithFields(log.Fields{
		"role":  s.role,
		"delay": delay,
	}).Info("Scheduling candidacy offer")

	time.AfterFunc(delay, func() {
		if !s.running.Load() {
			log.Debug("Server stopped before offer fired, not offering")
			return
		}
		s.Lock()
		candidate := s.candidate
		s.Unlock()
		if candidate == nil {
			log.Error("No candidate wired, cannot offer leadership")
			return
		}
		candidate.Offer()
	})
}

// prepareForLeadership runs the bounded preparation steps in strict
// order: data migration, leadership callbacks, coordinator start.
func (s *Server) prepareForLeadership() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ZKTimeout)
	defer cancel()
	if err := s.migrator.Migrate(ctx); err != nil {
		return errors.Wrap(err, "data migration failed")
	}
	log.Info("Data migration complete")

	if err := s.runElectedCallbacks(); err != nil {
		return err
	}
	log.Info("Leadership callbacks complete")

	ctx, cancel = context.WithTimeout(context.Background(), s.cfg.MaxActorStartupTime)
	defer cancel()
	if err := s.coordinator.PrepareForStart(ctx); err != nil {
		return errors.Wrap(err, "leadership coordinator failed to start")
	}
	log.Info("Leadership coordinator started")
	return nil
}

// runElectedCallbacks invokes every OnElected callback in parallel and
// waits for all completions with a single aggregate timeout.
func (s *Server) runElectedCallbacks() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.OnElectedPrepareTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, cb := range s.callbacks {
		wg.Add(1)
		go func(cb LeadershipCallback) {
			defer wg.Done()
			if err := cb.OnElected(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Wrap(result.ErrorOrNil(), "leadership callbacks failed")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for leadership callbacks")
	}
}

// runDefeatedCallbacks invokes every OnDefeated callback in parallel,
// logging failures. Defeat never fails.
func (s *Server) runDefeatedCallbacks() {
	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.OnElectedPrepareTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, cb := range s.callbacks {
		wg.Add(1)
		go func(cb LeadershipCallback) {
			defer wg.Done()
			if err := cb.OnDefeated(ctx); err != nil {
				log.WithError(err).Error("OnDefeated callback failed")
			}
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Timed out waiting for defeat callbacks")
	}
}

// failPreparation is the recovery path for any failure of the elected
// preparation sequence: increase backoff, perform defeat actions, run the
// hook (the driver never took ownership of it on this path), re-offer.
func (s *Server) failPreparation(err error, hook leader.AbdicationHook) {
	s.metrics.PreparationFail.Inc(1)
	log.WithError(err).WithField("role", s.role).
		Error("Failed to take over leadership, abdicating")

	s.Lock()
	driverOwnsHook := s.driverHandlesAbdication
	s.Unlock()

	s.backoff.Increase()
	s.abdicateLeadership()
	if hook != nil && !driverOwnsHook {
		hook()
	}
	if s.running.Load() {
		s.offerLeadershipAfterBackoff()
	}
}

// activate makes this replica the driving leader: leader flag up, driver
// worker launched, elected event published, periodic operations armed,
// backoff reset.
func (s *Server) activate(drv driver.Driver, hook leader.AbdicationHook) {
	s.Lock()
	s.currentDriver = drv
	s.driverHandlesAbdication = true
	s.Unlock()

	s.elected.Store(true)
	s.metrics.Elected.Update(1)
	s.metrics.PreparationSuccess.Inc(1)
	s.metrics.DriverStart.Inc(1)

	go s.runDriver(drv, hook)

	s.bus.Publish(&ElectedAsLeaderEvent{ID: s.ID})
	s.startPeriodicOps()
	s.backoff.Reset()

	log.WithField("role", s.role).Info("Scheduler activated as leader")

	// Shutdown may have raced preparation; the freshly started driver
	// must not outlive it.
	if !s.running.Load() {
		log.Warn("Shutdown raced activation, stopping fresh driver")
		s.stopDriver()
	}
}

// runDriver is the dedicated driver worker: it blocks in Run until the
// driver stops. Afterwards the abdication hook (or, without one, the
// defeat path) hands leadership back, and candidacy is re-offered while
// the server is still running.
func (s *Server) runDriver(drv driver.Driver, hook leader.AbdicationHook) {
	err := drv.Run()
	if err != nil {
		s.metrics.DriverCrash.Inc(1)
		log.WithError(err).Error("Resource-offer driver exited with error")
	} else {
		log.Info("Resource-offer driver exited")
	}

	if hook != nil {
		// The coordination service will deliver the defeat, which stands
		// this replica down and re-offers.
		hook()
		return
	}

	// Solo mode: no coordination service to notify.
	s.abdicateLeadership()
	if s.running.Load() {
		s.offerLeadershipAfterBackoff()
	}
}

// abdicateLeadership performs the defeat actions in order: cancel the
// periodic operations, stop the driver, drain the leadership coordinator,
// clear the task tracker, run the defeat callbacks, drop the leader flag
// and publish standby.
func (s *Server) abdicateLeadership() {
	s.stopPeriodicOps()
	s.stopDriver()
	s.coordinator.Stop()
	s.tracker.Clear()
	s.runDefeatedCallbacks()
	s.elected.Store(false)
	s.metrics.Elected.Update(0)
	s.bus.Publish(&StandbyEvent{ID: s.ID})
}

// stopDriver stops and releases the driver of the current epoch. The
// driver handle is never reused: the next activation constructs a new one.
func (s *Server) stopDriver() {
	s.Lock()
	drv := s.currentDriver
	s.currentDriver = nil
	s.driverHandlesAbdication = false
	s.Unlock()

	if drv == nil {
		return
	}
	log.Info("Stopping resource-offer driver with failover")
	s.metrics.DriverStop.Inc(1)
	drv.Stop(true)
}

// CurrentDriver returns the driver of the current epoch, or nil when this
// replica is not driving. Used by the scheduler actor.
func (s *Server) CurrentDriver() driver.Driver {
	s.Lock()
	defer s.Unlock()
	return s.currentDriver
}

// startPeriodicOps arms a fresh set of periodic works for this epoch.
func (s *Server) startPeriodicOps() {
	mgr := background.NewManager()
	err := mgr.RegisterWorks(
		background.Work{
			Name:         "scale-apps",
			Func:         s.scaleAppsTick,
			Period:       s.cfg.ScaleAppsInterval,
			InitialDelay: s.cfg.ScaleAppsInitialDelay,
		},
		background.Work{
			Name:         "reconcile",
			Func:         s.reconcileTick,
			Period:       s.cfg.ReconciliationInterval,
			InitialDelay: s.cfg.ReconciliationInitialDelay,
		},
		background.Work{
			Name:         "expunge-orphans",
			Func:         s.expungeOrphansTick,
			InitialDelay: s.cfg.ReconciliationInitialDelay + s.cfg.ReconciliationInterval,
			Once:         true,
		},
	)
	if err != nil {
		log.WithError(err).Error("Cannot register periodic operations")
		return
	}

	s.Lock()
	s.bgManager = mgr
	s.Unlock()
	mgr.Start()
}

// stopPeriodicOps cancels and discards this epoch's periodic works so no
// stale tick can fire into the next epoch.
func (s *Server) stopPeriodicOps() {
	s.Lock()
	mgr := s.bgManager
	s.bgManager = nil
	s.Unlock()

	if mgr != nil {
		mgr.Stop()
	}
}

func (s *Server) scaleAppsTick(_ *atomic.Bool) {
	if !s.elected.Load() {
		return
	}
	s.metrics.TickScaleApps.Inc(1)
	s.actor.Tell(&ScaleApps{})
}

func (s *Server) reconcileTick(_ *atomic.Bool) {
	if !s.elected.Load() {
		return
	}
	s.metrics.TickReconcile.Inc(1)
	s.actor.Tell(&ReconcileTasks{})
	s.actor.Tell(&ReconcileHealthChecks{})
}

func (s *Server) expungeOrphansTick(_ *atomic.Bool) {
	if !s.elected.Load() {
		return
	}
	s.metrics.TickExpungeOrphans.Inc(1)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ZKTimeout)
	defer cancel()
	expunged := s.tracker.ExpungeOrphanedTasks(ctx)
	log.WithField("expunged", expunged).Info("Orphaned task expungement done")
}
