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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/storage"
)

type fakeAppStore struct {
	apps map[string]*storage.AppDefinition
}

func newFakeAppStore(ids ...string) *fakeAppStore {
	apps := make(map[string]*storage.AppDefinition)
	for _, id := range ids {
		apps[id] = &storage.AppDefinition{ID: id, Instances: 1}
	}
	return &fakeAppStore{apps: apps}
}

func (f *fakeAppStore) CreateApp(_ context.Context, app *storage.AppDefinition) error {
	f.apps[app.ID] = app
	return nil
}

func (f *fakeAppStore) GetApp(_ context.Context, id string) (*storage.AppDefinition, error) {
	if app, ok := f.apps[id]; ok {
		return app, nil
	}
	return nil, assert.AnError
}

func (f *fakeAppStore) GetAppVersion(
	_ context.Context, id, version string) (*storage.AppDefinition, error) {
	return f.GetApp(context.Background(), id)
}

func (f *fakeAppStore) ListAppVersions(_ context.Context, id string) ([]string, error) {
	return nil, nil
}

func (f *fakeAppStore) ListApps(_ context.Context) ([]*storage.AppDefinition, error) {
	var apps []*storage.AppDefinition
	for _, app := range f.apps {
		apps = append(apps, app)
	}
	return apps, nil
}

func TestAppIDOfTask(t *testing.T) {
	assert.Equal(t, "web", AppIDOfTask("web.8a6f"))
	assert.Equal(t, "web.backend", AppIDOfTask("web.backend.8a6f"))
	assert.Equal(t, "bare", AppIDOfTask("bare"))
}

func TestRecordStatusTracksAndDropsTerminal(t *testing.T) {
	tracker := New(newFakeAppStore("web"), tally.NoopScope)

	tracker.RecordStatus("web.1", "TASK_RUNNING", "host1")
	tracker.RecordStatus("web.2", "TASK_STAGING", "host2")
	assert.Equal(t, 2, tracker.Count("web"))

	tracker.RecordStatus("web.1", "TASK_FINISHED", "host1")
	assert.Equal(t, 1, tracker.Count("web"))
	assert.Equal(t, []string{"web.2"}, tracker.TaskIDs())
}

func TestClearDropsEverything(t *testing.T) {
	tracker := New(newFakeAppStore("web"), tally.NoopScope)

	tracker.RecordStatus("web.1", "TASK_RUNNING", "host1")
	tracker.RecordStatus("web.2", "TASK_RUNNING", "host1")
	tracker.Clear()

	assert.Equal(t, 0, tracker.Count("web"))
	assert.Empty(t, tracker.TaskIDs())
}

func TestExpungeOrphanedTasks(t *testing.T) {
	tracker := New(newFakeAppStore("web"), tally.NoopScope)

	tracker.RecordStatus("web.1", "TASK_RUNNING", "host1")
	tracker.RecordStatus("gone.1", "TASK_RUNNING", "host1")
	tracker.RecordStatus("gone.2", "TASK_RUNNING", "host2")

	expunged := tracker.ExpungeOrphanedTasks(context.Background())
	assert.Equal(t, 2, expunged)
	assert.Equal(t, 1, tracker.Count("web"))
	assert.Equal(t, 0, tracker.Count("gone"))

	// Idempotent on a clean tracker.
	assert.Equal(t, 0, tracker.ExpungeOrphanedTasks(context.Background()))
}
