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

package leader

import (
	"errors"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// solo is the candidate used when no coordination service is configured.
// Every offer elects this node immediately, with no abdication hook.
type solo struct {
	sync.Mutex
	metrics    electionMetrics
	running    bool
	leading    bool
	role       string
	nomination Nomination
}

// NewSoloCandidate creates a candidate for a standalone deployment without
// a coordination service.
func NewSoloCandidate(
	parent tally.Scope,
	role string,
	nomination Nomination) (Candidate, error) {
	if role == "" {
		return nil, errors.New("You need to specify a role to campaign " +
			"for that isnt the empty string")
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("failed to get hostname")
	}
	return &solo{
		metrics:    newElectionMetrics(parent.SubScope("election"), hostname),
		role:       role,
		nomination: nomination,
	}, nil
}

func (el *solo) Start() error {
	el.Lock()
	defer el.Unlock()

	if el.running {
		return errors.New("Already running election")
	}
	el.running = true
	el.metrics.Start.Inc(1)
	el.metrics.Running.Update(1)

	log.WithField("role", el.role).
		Info("No coordination service configured, running solo election")
	return nil
}

// Offer self-elects synchronously on the calling goroutine: there is no
// other replica to compete with.
func (el *solo) Offer() {
	el.Lock()
	if !el.running || el.leading {
		el.Unlock()
		return
	}
	el.leading = true
	el.metrics.Offered.Inc(1)
	el.metrics.GainedLeadership.Inc(1)
	el.metrics.IsLeader.Update(1)
	el.Unlock()

	log.WithFields(log.Fields{
		"id":   el.nomination.GetID(),
		"role": el.role,
	}).Info("Leadership gained")

	if err := el.nomination.GainedLeadershipCallback(nil); err != nil {
		log.WithError(err).WithField("role", el.role).
			Error("GainedLeadershipCallback failed")
		el.Lock()
		el.leading = false
		el.metrics.IsLeader.Update(0)
		el.Unlock()
	}
}

func (el *solo) Resign() {
	el.Lock()
	if !el.leading {
		el.Unlock()
		return
	}
	el.leading = false
	el.metrics.Resigned.Inc(1)
	el.metrics.LostLeadership.Inc(1)
	el.metrics.IsLeader.Update(0)
	el.Unlock()

	if err := el.nomination.LostLeadershipCallback(); err != nil {
		log.WithError(err).WithField("role", el.role).
			Error("LostLeadershipCallback failed")
	}
}

func (el *solo) Stop() error {
	el.Lock()
	if el.running {
		el.running = false
		el.leading = false
		el.metrics.Stop.Inc(1)
		el.metrics.Running.Update(0)
		el.metrics.IsLeader.Update(0)
	}
	el.Unlock()
	return el.nomination.ShutDownCallback()
}

func (el *solo) IsLeader() bool {
	el.Lock()
	defer el.Unlock()
	return el.running && el.leading
}
