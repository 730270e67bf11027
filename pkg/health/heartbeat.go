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

package health

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/common/leader"
)

// Config is the placeholder for health related configs.
type Config struct {
	// Heartbeat interval
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Heartbeat is the heartbeat interface.
type Heartbeat interface {
	Start()
	Stop()
}

type heartbeat struct {
	sync.Mutex

	running  atomic.Bool
	stopChan chan struct{}

	metrics           *Metrics
	heartbeatInterval time.Duration
	candidate         leader.Candidate
}

var hb *heartbeat
var onceInitHeartbeat sync.Once

// InitHeartbeat inits heartbeat.
func InitHeartbeat(
	parent tally.Scope,
	config Config,
	candidate leader.Candidate) {
	onceInitHeartbeat.Do(func() {
		interval := config.HeartbeatInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		hb = &heartbeat{
			stopChan:          make(chan struct{}, 1),
			metrics:           NewMetrics(parent.SubScope("health")),
			heartbeatInterval: interval,
			candidate:         candidate,
		}
		hb.metrics.Init.Inc(1)
		hb.Start()
	})
}

func (*heartbeat) Start() {
	log.Info("Heartbeat start called.")

	hb.Lock()
	defer hb.Unlock()

	if hb.running.Swap(true) {
		log.Warn("Heartbeater is already running, no-op.")
		return
	}

	go func() {
		defer hb.running.Store(false)

		for {
			ticker := time.NewTimer(hb.heartbeatInterval)
			select {
			case <-hb.stopChan:
				log.Info("Heartbeater stopped.")
				ticker.Stop()
				return
			case t := <-ticker.C:
				log.WithField("tick", t).
					Debug("Emitting heartbeat.")
				hb.metrics.Heartbeat.Update(1)

				// The leader gauge reads 1 on the elected
				// leader and 0 elsewhere
				if hb.candidate != nil && hb.candidate.IsLeader() {
					hb.metrics.Leader.Update(1)
				} else {
					hb.metrics.Leader.Update(0)
				}
			}
		}
	}()

	log.Info("Heartbeater started.")
}

func (*heartbeat) Stop() {
	log.Info("Heartbeat stop called.")

	if !hb.running.Load() {
		log.Warn("Heartbeat is not running, no-op.")
		return
	}

	hb.Lock()
	defer hb.Unlock()

	hb.stopChan <- struct{}{}

	for hb.running.Load() {
		time.Sleep(1 * time.Millisecond)
	}

	log.Info("Heartbeat stopped.")
}
