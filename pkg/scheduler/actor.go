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

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/common/eventbus"
	"github.com/striderproject/strider/pkg/driver"
	"github.com/striderproject/strider/pkg/storage"
	"github.com/striderproject/strider/pkg/tasktracker"
)

const _inboxSize = 1024

// ErrDeploymentConflict is returned when a deployment is requested for an
// app that already has one in flight and force was not set.
var ErrDeploymentConflict = errors.New("deployment already in progress for app")

// ScaleApps instructs the actor to compare desired and actual instance
// counts of every app.
type ScaleApps struct{}

// ReconcileTasks instructs the actor to ask the resource-offer master for
// the authoritative state of known tasks.
type ReconcileTasks struct{}

// ReconcileHealthChecks instructs the actor to re-sync health checks with
// the currently known tasks.
type ReconcileHealthChecks struct{}

// KillTasks instructs the actor to kill the given tasks of an app.
type KillTasks struct {
	AppID string
	Tasks []string
}

// CancelDeployment removes a running deployment by ID.
type CancelDeployment struct {
	ID string
}

// DeploymentPlan describes a requested change of one app.
type DeploymentPlan struct {
	ID     string
	AppID  string
	Target *storage.AppDefinition
}

// DeploymentStepInfo describes a deployment currently in flight.
type DeploymentStepInfo struct {
	DeploymentID string
	AppID        string
	Version      string
}

type deployRequest struct {
	plan  *DeploymentPlan
	force bool
	resp  chan error
}

type listDeploymentsRequest struct {
	resp chan []*DeploymentStepInfo
}

// Actor owns deployment bookkeeping and executes the fire-and-forget
// control messages sent by the leader's periodic operations and by the
// exposed service handler. All state is confined to one goroutine.
//
// The actor is restartable: the leadership coordinator starts it on every
// activation and drains it when leadership ends, so each epoch gets a
// fresh stop/done channel pair while the inbox survives across epochs.
type Actor struct {
	sync.Mutex

	// armed while the processing goroutine is alive; stopCh tells it to
	// quit, doneCh is closed when it has drained.
	processing bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	inbox chan interface{}

	appStore  storage.AppStore
	tracker   tasktracker.Tracker
	healthMgr HealthCheckManager
	// driverProvider returns the current epoch's driver, or nil when this
	// replica is not driving.
	driverProvider func() driver.Driver
	bus            eventbus.Bus
	metrics        *Metrics

	// goroutine-confined state, touched only from run()
	running map[string]*DeploymentStepInfo
	byApp   map[string]string
}

// NewActor creates the scheduler actor.
func NewActor(
	appStore storage.AppStore,
	tracker tasktracker.Tracker,
	healthMgr HealthCheckManager,
	driverProvider func() driver.Driver,
	bus eventbus.Bus,
	parent tally.Scope) *Actor {
	return &Actor{
		inbox:          make(chan interface{}, _inboxSize),
		appStore:       appStore,
		tracker:        tracker,
		healthMgr:      healthMgr,
		driverProvider: driverProvider,
		bus:            bus,
		metrics:        NewMetrics(parent.SubScope("actor")),
		running:        make(map[string]*DeploymentStepInfo),
		byApp:          make(map[string]string),
	}
}

// Start begins processing messages. No-op while already processing.
func (a *Actor) Start() {
	a.Lock()
	defer a.Unlock()

	if a.processing {
		return
	}
	a.processing = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.run(a.stopCh, a.doneCh)
}

// Stop terminates processing and waits for the run loop to drain. No-op
// while not processing.
func (a *Actor) Stop() {
	a.Lock()
	if !a.processing {
		a.Unlock()
		return
	}
	a.processing = false
	stopCh, doneCh := a.stopCh, a.doneCh
	a.Unlock()

	close(stopCh)
	<-doneCh
}

// Tell enqueues a fire-and-forget message. A full inbox drops the message
// rather than blocking the sender.
func (a *Actor) Tell(msg interface{}) {
	select {
	case a.inbox <- msg:
	default:
		a.metrics.ActorInboxDropped.Inc(1)
		log.WithField("message", msg).Warn("Scheduler actor inbox full, dropping message")
	}
}

func (a *Actor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case msg := <-a.inbox:
			a.process(msg)
		}
	}
}

func (a *Actor) process(msg interface{}) {
	switch m := msg.(type) {
	case *deployRequest:
		m.resp <- a.deploy(m.plan, m.force)
	case *listDeploymentsRequest:
		m.resp <- a.listDeployments()
	case *CancelDeployment:
		a.cancelDeployment(m.ID)
	case *ScaleApps:
		a.scaleApps()
	case *ReconcileTasks:
		a.reconcileTasks()
	case *ReconcileHealthChecks:
		a.reconcileHealthChecks()
	case *KillTasks:
		a.killTasks(m)
	default:
		log.WithField("message", msg).Warn("Scheduler actor received unknown message")
	}
}

func (a *Actor) deploy(plan *DeploymentPlan, force bool) error {
	if existing, ok := a.byApp[plan.AppID]; ok {
		if !force {
			a.metrics.DeploymentsConflict.Inc(1)
			return errors.Wrapf(ErrDeploymentConflict, "app %s", plan.AppID)
		}
		log.WithFields(log.Fields{
			"deployment_id": existing,
			"app_id":        plan.AppID,
		}).Info("Forced deployment cancels running deployment")
		a.cancelDeployment(existing)
	}

	version := ""
	if plan.Target != nil {
		version = plan.Target.Version
	}
	info := &DeploymentStepInfo{
		DeploymentID: plan.ID,
		AppID:        plan.AppID,
		Version:      version,
	}
	a.running[plan.ID] = info
	a.byApp[plan.AppID] = plan.ID
	a.metrics.DeploymentsStarted.Inc(1)
	a.bus.Publish(&DeploymentStartedEvent{
		DeploymentID: plan.ID,
		AppID:        plan.AppID,
	})
	log.WithFields(log.Fields{
		"deployment_id": plan.ID,
		"app_id":        plan.AppID,
	}).Info("Deployment started")
	return nil
}

func (a *Actor) cancelDeployment(id string) {
	info, ok := a.running[id]
	if !ok {
		log.WithField("deployment_id", id).Debug("Cancel of unknown deployment")
		return
	}
	delete(a.running, id)
	delete(a.byApp, info.AppID)
	a.metrics.DeploymentsCancelled.Inc(1)
	log.WithField("deployment_id", id).Info("Deployment cancelled")
}

func (a *Actor) listDeployments() []*DeploymentStepInfo {
	infos := make([]*DeploymentStepInfo, 0, len(a.running))
	for _, info := range a.running {
		infos = append(infos, info)
	}
	return infos
}

// scaleApps compares desired and actual instance counts. Excess instances
// are killed; missing instances are left to the deployment pipeline, which
// owns placement.
func (a *Actor) scaleApps() {
	apps, err := a.appStore.ListApps(context.Background())
	if err != nil {
		log.WithError(err).Error("Cannot list apps for scaling")
		return
	}

	drv := a.driverProvider()
	for _, app := range apps {
		tasks := a.tracker.TasksOf(app.ID)
		excess := len(tasks) - app.Instances
		if excess <= 0 {
			continue
		}
		log.WithFields(log.Fields{
			"app_id":  app.ID,
			"desired": app.Instances,
			"actual":  len(tasks),
		}).Info("Scaling app down")
		if drv == nil {
			log.WithField("app_id", app.ID).Warn("No driver, skipping scale down")
			continue
		}
		for _, task := range tasks[:excess] {
			if err := drv.KillTask(task.ID); err != nil {
				log.WithError(err).WithField("task_id", task.ID).
					Error("Failed to kill surplus task")
			}
		}
	}
}

func (a *Actor) reconcileTasks() {
	drv := a.driverProvider()
	if drv == nil {
		log.Debug("No driver, skipping task reconciliation")
		return
	}
	ids := a.tracker.TaskIDs()
	if err := drv.ReconcileTasks(ids); err != nil {
		log.WithError(err).Error("Task reconciliation failed")
		return
	}
	log.WithField("count", len(ids)).Debug("Requested task reconciliation")
}

func (a *Actor) reconcileHealthChecks() {
	if a.healthMgr == nil {
		return
	}
	if err := a.healthMgr.ReconcileAll(context.Background()); err != nil {
		log.WithError(err).Error("Health check reconciliation failed")
	}
}

func (a *Actor) killTasks(m *KillTasks) {
	drv := a.driverProvider()
	if drv == nil {
		log.WithField("app_id", m.AppID).Warn("No driver, cannot kill tasks")
		return
	}
	for _, id := range m.Tasks {
		if err := drv.KillTask(id); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"app_id":  m.AppID,
				"task_id": id,
			}).Error("Failed to kill task")
		}
	}
}
