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

package tasktracker

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/storage"
)

// Task is the in-memory record of a launched task.
type Task struct {
	ID    string
	AppID string
	State string
	Host  string
}

// Tracker is the in-memory registry of tasks known to the current leader.
// It is fed by driver status updates, cleared on every defeat, and purged
// of orphans once per epoch.
type Tracker interface {
	// RecordStatus creates or updates the task with the given state.
	RecordStatus(taskID string, state string, host string)
	// Count returns the number of known non-terminal tasks of the app.
	Count(appID string) int
	// TasksOf returns the known tasks of the app.
	TasksOf(appID string) []Task
	// TaskIDs returns the IDs of all known tasks.
	TaskIDs() []string
	// Clear drops all state. Called when leadership is lost so the next
	// leader starts from the authoritative master state.
	Clear()
	// ExpungeOrphanedTasks removes tasks whose app no longer exists and
	// returns how many were removed.
	ExpungeOrphanedTasks(ctx context.Context) int
}

type tracker struct {
	sync.RWMutex

	tasks    map[string]Task
	appStore storage.AppStore
	metrics  *Metrics
}

// New creates a task Tracker backed by the given app store.
func New(appStore storage.AppStore, parent tally.Scope) Tracker {
	return &tracker{
		tasks:    make(map[string]Task),
		appStore: appStore,
		metrics:  NewMetrics(parent.SubScope("tasktracker")),
	}
}

// AppIDOfTask derives the owning app from a task ID. Task IDs are minted
// as "<app-id>.<uuid>".
func AppIDOfTask(taskID string) string {
	if i := strings.LastIndex(taskID, "."); i > 0 {
		return taskID[:i]
	}
	return taskID
}

func (t *tracker) RecordStatus(taskID string, state string, host string) {
	t.Lock()
	defer t.Unlock()

	if isTerminal(state) {
		delete(t.tasks, taskID)
	} else {
		t.tasks[taskID] = Task{
			ID:    taskID,
			AppID: AppIDOfTask(taskID),
			State: state,
			Host:  host,
		}
	}
	t.metrics.Tracked.Update(float64(len(t.tasks)))
}

func (t *tracker) Count(appID string) int {
	t.RLock()
	defer t.RUnlock()

	count := 0
	for _, task := range t.tasks {
		if task.AppID == appID {
			count++
		}
	}
	return count
}

func (t *tracker) TasksOf(appID string) []Task {
	t.RLock()
	defer t.RUnlock()

	var tasks []Task
	for _, task := range t.tasks {
		if task.AppID == appID {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

func (t *tracker) TaskIDs() []string {
	t.RLock()
	defer t.RUnlock()

	ids := make([]string, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (t *tracker) Clear() {
	t.Lock()
	defer t.Unlock()

	if len(t.tasks) > 0 {
		log.WithField("count", len(t.tasks)).Info("Clearing tracked tasks")
	}
	t.tasks = make(map[string]Task)
	t.metrics.Tracked.Update(0)
	t.metrics.Cleared.Inc(1)
}

func (t *tracker) ExpungeOrphanedTasks(ctx context.Context) int {
	apps, err := t.appStore.ListApps(ctx)
	if err != nil {
		log.WithError(err).Error("Cannot list apps, skipping orphan expungement")
		return 0
	}
	known := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		known[app.ID] = struct{}{}
	}

	t.Lock()
	defer t.Unlock()

	expunged := 0
	for id, task := range t.tasks {
		if _, ok := known[task.AppID]; !ok {
			log.WithFields(log.Fields{
				"task_id": id,
				"app_id":  task.AppID,
			}).Info("Expunging orphaned task")
			delete(t.tasks, id)
			expunged++
		}
	}
	if expunged > 0 {
		t.metrics.Expunged.Inc(int64(expunged))
		t.metrics.Tracked.Update(float64(len(t.tasks)))
	}
	return expunged
}

func isTerminal(state string) bool {
	switch state {
	case "TASK_FINISHED", "TASK_FAILED", "TASK_KILLED", "TASK_LOST", "TASK_ERROR":
		return true
	}
	return false
}
