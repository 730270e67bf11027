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

package background

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/atomic"
)

func TestRegisterWorksValidation(t *testing.T) {
	mgr := NewManager()

	err := mgr.RegisterWorks(Work{Name: ""})
	assert.Equal(t, errEmptyName, err)

	err = mgr.RegisterWorks(Work{Name: "w", Period: time.Second})
	assert.NoError(t, err)
	err = mgr.RegisterWorks(Work{Name: "w", Period: time.Second})
	assert.Equal(t, errDuplicateName, err)
}

func TestPeriodicWorkRunsAndStops(t *testing.T) {
	mgr := NewManager()
	var count atomic.Int64

	err := mgr.RegisterWorks(Work{
		Name:   "counter",
		Func:   func(_ *atomic.Bool) { count.Inc() },
		Period: 10 * time.Millisecond,
	})
	assert.NoError(t, err)

	mgr.Start()
	time.Sleep(55 * time.Millisecond)
	mgr.Stop()

	fired := count.Load()
	assert.True(t, fired >= 2, "expected at least 2 runs, got %d", fired)

	// No further runs after Stop.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, fired, count.Load())
}

func TestOneShotWorkRunsOnce(t *testing.T) {
	mgr := NewManager()
	var count atomic.Int64

	err := mgr.RegisterWorks(Work{
		Name:         "once",
		Func:         func(_ *atomic.Bool) { count.Inc() },
		InitialDelay: 5 * time.Millisecond,
		Once:         true,
	})
	assert.NoError(t, err)

	mgr.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
	mgr.Stop()
}

func TestOneShotCancelledDuringInitialDelay(t *testing.T) {
	mgr := NewManager()
	var count atomic.Int64

	err := mgr.RegisterWorks(Work{
		Name:         "cancelled",
		Func:         func(_ *atomic.Bool) { count.Inc() },
		InitialDelay: 200 * time.Millisecond,
		Once:         true,
	})
	assert.NoError(t, err)

	mgr.Start()
	time.Sleep(10 * time.Millisecond)
	mgr.Stop()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}

func TestInitialDelayDefersFirstRun(t *testing.T) {
	mgr := NewManager()
	var count atomic.Int64

	err := mgr.RegisterWorks(Work{
		Name:         "delayed",
		Func:         func(_ *atomic.Bool) { count.Inc() },
		Period:       time.Second,
		InitialDelay: 50 * time.Millisecond,
	})
	assert.NoError(t, err)

	mgr.Start()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
	mgr.Stop()
}
