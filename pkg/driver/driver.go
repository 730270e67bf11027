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

package driver

import (
	"context"

	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/storage"
	"github.com/striderproject/strider/pkg/tasktracker"
)

// Driver is one session with the resource-offer master. Run blocks until
// the session ends. A Driver is not reusable: once stopped, a new one must
// be constructed for any subsequent activation.
type Driver interface {
	// Run connects to the master and blocks until the driver is stopped
	// or aborts. A nil error means an orderly stop.
	Run() error
	// Stop terminates the session. With failover true the master keeps
	// the framework's tasks running for the configured failover timeout
	// so the next leader can reconcile them.
	Stop(failover bool)
	// KillTask asks the master to kill the given task.
	KillTask(taskID string) error
	// ReconcileTasks asks the master for the authoritative state of the
	// given tasks. An empty slice requests implicit reconciliation of
	// every task of the framework.
	ReconcileTasks(taskIDs []string) error
}

// Factory constructs a fresh Driver per activation.
type Factory interface {
	New() (Driver, error)
}

type mesosDriver struct {
	inner sched.SchedulerDriver
}

func (d *mesosDriver) Run() error {
	status, err := d.inner.Run()
	if err != nil {
		return errors.Wrapf(err, "driver exited with status %v", status)
	}
	log.WithField("status", status).Info("Mesos driver exited")
	return nil
}

func (d *mesosDriver) Stop(failover bool) {
	if _, err := d.inner.Stop(failover); err != nil {
		log.WithError(err).WithField("failover", failover).
			Error("Failed to stop mesos driver")
	}
}

func (d *mesosDriver) KillTask(taskID string) error {
	id := taskID
	_, err := d.inner.KillTask(&mesos.TaskID{Value: &id})
	return errors.Wrapf(err, "failed to kill task %s", taskID)
}

func (d *mesosDriver) ReconcileTasks(taskIDs []string) error {
	statuses := make([]*mesos.TaskStatus, 0, len(taskIDs))
	for i := range taskIDs {
		state := mesos.TaskState_TASK_STAGING
		statuses = append(statuses, &mesos.TaskStatus{
			TaskId: &mesos.TaskID{Value: &taskIDs[i]},
			State:  &state,
		})
	}
	_, err := d.inner.ReconcileTasks(statuses)
	return errors.Wrap(err, "failed to reconcile tasks")
}

type mesosFactory struct {
	cfg     *Config
	store   storage.FrameworkInfoStore
	tracker tasktracker.Tracker
	scope   tally.Scope
}

// NewFactory creates a Factory producing mesos-go backed drivers.
func NewFactory(
	cfg *Config,
	store storage.FrameworkInfoStore,
	tracker tasktracker.Tracker,
	parent tally.Scope) Factory {
	return &mesosFactory{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		scope:   parent,
	}
}

// New builds a fresh driver: framework info from config, framework ID
// restored from storage so a failed-over leader re-registers as the same
// framework.
func (f *mesosFactory) New() (Driver, error) {
	cfg := f.cfg.Framework
	info := &mesos.FrameworkInfo{
		User:            &cfg.User,
		Name:            &cfg.Name,
		FailoverTimeout: &cfg.FailoverTimeout,
		Checkpoint:      &cfg.Checkpoint,
	}
	if cfg.Role != "" {
		info.Role = &cfg.Role
	}
	if cfg.Principal != "" {
		info.Principal = &cfg.Principal
	}

	frameworkID, err := f.store.GetFrameworkID(context.Background(), cfg.Name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load framework ID")
	}
	if frameworkID != "" {
		info.Id = &mesos.FrameworkID{Value: &frameworkID}
		log.WithField("framework_id", frameworkID).
			Info("Reregistering to Mesos with previous framework ID")
	} else {
		log.Info("Registering to Mesos without framework ID")
	}

	handler := newEventHandler(
		f.store,
		f.tracker,
		cfg.Name,
		f.cfg.OfferRefuseSeconds,
		f.scope,
	)

	inner, err := sched.NewMesosSchedulerDriver(sched.DriverConfig{
		Scheduler: handler,
		Framework: info,
		Master:    f.cfg.Master,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct mesos driver")
	}
	return &mesosDriver{inner: inner}, nil
}
