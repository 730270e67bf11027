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
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/storage"
	"github.com/striderproject/strider/pkg/tasktracker"
)

// eventHandler receives the scheduler callbacks of one driver session.
// Registration state goes to storage, status updates to the task tracker.
// Offers are declined: task placement is owned by the deployment pipeline,
// not by this core.
type eventHandler struct {
	store         storage.FrameworkInfoStore
	tracker       tasktracker.Tracker
	frameworkName string
	refuseSeconds float64
	metrics       *Metrics
}

func newEventHandler(
	store storage.FrameworkInfoStore,
	tracker tasktracker.Tracker,
	frameworkName string,
	refuseSeconds float64,
	parent tally.Scope) sched.Scheduler {
	if refuseSeconds <= 0 {
		refuseSeconds = 5
	}
	return &eventHandler{
		store:         store,
		tracker:       tracker,
		frameworkName: frameworkName,
		refuseSeconds: refuseSeconds,
		metrics:       NewMetrics(parent.SubScope("driver")),
	}
}

func (h *eventHandler) Registered(
	_ sched.SchedulerDriver,
	frameworkID *mesos.FrameworkID,
	masterInfo *mesos.MasterInfo) {
	log.WithFields(log.Fields{
		"framework_id": frameworkID.GetValue(),
		"master":       masterInfo.GetId(),
	}).Info("Framework registered")
	h.metrics.Registered.Inc(1)

	err := h.store.SetFrameworkID(
		context.Background(), h.frameworkName, frameworkID.GetValue())
	if err != nil {
		log.WithError(err).Error("Failed to persist framework ID")
	}
}

func (h *eventHandler) Reregistered(
	_ sched.SchedulerDriver,
	masterInfo *mesos.MasterInfo) {
	log.WithField("master", masterInfo.GetId()).Info("Framework reregistered")
	h.metrics.Registered.Inc(1)
}

func (h *eventHandler) Disconnected(_ sched.SchedulerDriver) {
	log.Warn("Disconnected from Mesos master")
	h.metrics.Disconnected.Inc(1)
}

func (h *eventHandler) ResourceOffers(
	driver sched.SchedulerDriver,
	offers []*mesos.Offer) {
	h.metrics.OffersReceived.Inc(int64(len(offers)))
	filters := &mesos.Filters{RefuseSeconds: &h.refuseSeconds}
	for _, offer := range offers {
		if _, err := driver.DeclineOffer(offer.Id, filters); err != nil {
			log.WithError(err).WithField("offer_id", offer.Id.GetValue()).
				Error("Failed to decline offer")
		}
	}
	h.metrics.OffersDeclined.Inc(int64(len(offers)))
}

func (h *eventHandler) OfferRescinded(
	_ sched.SchedulerDriver,
	offerID *mesos.OfferID) {
	log.WithField("offer_id", offerID.GetValue()).Debug("Offer rescinded")
}

func (h *eventHandler) StatusUpdate(
	_ sched.SchedulerDriver,
	status *mesos.TaskStatus) {
	log.WithFields(log.Fields{
		"task_id": status.GetTaskId().GetValue(),
		"state":   status.GetState().String(),
	}).Debug("Task status update")
	h.metrics.StatusUpdates.Inc(1)

	h.tracker.RecordStatus(
		status.GetTaskId().GetValue(),
		status.GetState().String(),
		status.GetSlaveId().GetValue(),
	)
}

func (h *eventHandler) FrameworkMessage(
	_ sched.SchedulerDriver,
	executorID *mesos.ExecutorID,
	slaveID *mesos.SlaveID,
	message string) {
	log.WithFields(log.Fields{
		"executor_id": executorID.GetValue(),
		"slave_id":    slaveID.GetValue(),
	}).Debug("Framework message received")
}

func (h *eventHandler) SlaveLost(
	_ sched.SchedulerDriver,
	slaveID *mesos.SlaveID) {
	log.WithField("slave_id", slaveID.GetValue()).Warn("Slave lost")
}

func (h *eventHandler) ExecutorLost(
	_ sched.SchedulerDriver,
	executorID *mesos.ExecutorID,
	slaveID *mesos.SlaveID,
	status int) {
	log.WithFields(log.Fields{
		"executor_id": executorID.GetValue(),
		"slave_id":    slaveID.GetValue(),
		"status":      status,
	}).Warn("Executor lost")
}

func (h *eventHandler) Error(_ sched.SchedulerDriver, message string) {
	log.WithField("message", message).Error("Unrecoverable driver error")
	h.metrics.Errors.Inc(1)
}
