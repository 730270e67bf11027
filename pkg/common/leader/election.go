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
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/leadership"
	"github.com/docker/libkv/store"
	"github.com/docker/libkv/store/zookeeper"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

const (
	// ttl is the election ttl for docker/leadership.
	ttl = 5 * time.Second

	// znodeEphemeralTimeout: timeout after which the ephemeral node used
	// for leader election would disappear if heartbeats fail due to
	// network loss between the host and ZK.
	znodeEphemeralTimeout = 5 * time.Second

	// zkConnErrRetry how long to wait before restarting campaigning for
	// leadership on connection error.
	zkConnErrRetry = 30 * time.Second

	// _metricsUpdateTick is the period between consecutive emissions of
	// leader election metrics.
	_metricsUpdateTick = 10 * time.Second
)

// ElectionConfig is config related to leader election of this service.
type ElectionConfig struct {
	// The list of ZK servers to use for leader election.
	// Empty means no coordination service: the scheduler self-elects.
	ZKServers []string `yaml:"zk_servers"`

	// The root path in ZK to use for role leader election.
	// This will be something like /strider/YOURCLUSTERHERE.
	Root string `yaml:"root"`
}

// election holds the state of the zk election.
type election struct {
	sync.Mutex
	metrics    electionMetrics
	running    bool
	role       string
	client     store.Store
	leaderPath string
	candidate  *leadership.Candidate
	// stopRound stops the current round's candidate at most once, no
	// matter how many paths race to end the round.
	stopRound  func()
	nomination Nomination
	stopChan   chan struct{}
	offerChan  chan struct{}
}

// NewCandidate creates a new election object to control participation in
// leader election.
func NewCandidate(
	cfg ElectionConfig,
	parent tally.Scope,
	role string,
	nomination Nomination) (Candidate, error) {
	if role == "" {
		return nil, errors.New("You need to specify a role to campaign " +
			"for that isnt the empty string")
	}

	client, err := zookeeper.New(
		cfg.ZKServers,
		&store.Config{ConnectionTimeout: znodeEphemeralTimeout},
	)
	if err != nil {
		return nil, err
	}

	leaderPath := leaderZkPath(cfg.Root, role)
	log.WithFields(log.Fields{
		"id":          nomination.GetID(),
		"role":        role,
		"leader_path": leaderPath,
	}).Debug("Creating new Candidate")

	scope := parent.SubScope("election")
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("failed to get hostname")
	}
	el := election{
		running:    false,
		metrics:    newElectionMetrics(scope, hostname),
		role:       role,
		client:     client,
		leaderPath: leaderPath,
		nomination: nomination,
		stopChan:   make(chan struct{}),
		offerChan:  make(chan struct{}, 1),
	}

	return &el, nil
}

// Start begins participating in the election and calls callbacks when the
// caller gains or loses leadership. Candidacy itself is not entered until
// Offer is called.
// NOTE: this handles connection errors and retries, and runs until you
// call Stop().
func (el *election) Start() error {
	el.Lock()
	defer el.Unlock()

	if el.running {
		return errors.New("Already running election")
	}
	el.running = true
	el.metrics.Start.Inc(1)
	el.metrics.Running.Update(1)

	log.WithFields(log.Fields{"role": el.role}).Info("Joining election")

	// wait for candidacy offers
	go el.campaign()
	// Update leader election metrics
	go el.updateLeaderElectionMetrics(_metricsUpdateTick)

	return nil
}

// Offer enters candidacy for one election round. Offers while a round is
// already outstanding collapse into it.
func (el *election) Offer() {
	el.Lock()
	defer el.Unlock()

	if !el.running {
		log.WithField("role", el.role).
			Warn("Offer after election stopped, ignoring")
		return
	}
	select {
	case el.offerChan <- struct{}{}:
		el.metrics.Offered.Inc(1)
	default:
		// a round is already pending
	}
}

// updateLeaderElectionMetrics emits leader election metrics at constant
// interval.
func (el *election) updateLeaderElectionMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-el.stopChan:
			log.Info("Stopped leader election metrics emission")
			return
		case <-ticker.C:
			if el.IsLeader() {
				el.metrics.IsLeader.Update(1)
			} else {
				el.metrics.IsLeader.Update(0)
			}
		}
	}
}

// campaign runs one election round per offer, and retries when errors are
// encountered.
func (el *election) campaign() {
	for {
		select {
		case <-el.stopChan:
			log.Info("Stopped running election")
			return
		case <-el.offerChan:
		}

		err := el.runRound()
		if err != nil {
			log.WithFields(log.Fields{"role": el.role}).
				Errorf("Failure running election; retrying: %v", err)
			el.metrics.Error.Inc(1)
			time.Sleep(zkConnErrRetry)
			// connection failures re-enter candidacy without a new offer
			el.Offer()
		}
	}
}

// runRound campaigns until leadership is gained and subsequently lost, or
// an error occurs. The candidate object of docker/leadership is not
// reusable after Stop, so each round builds a fresh one.
func (el *election) runRound() error {
	candidate := leadership.NewCandidate(
		el.client,
		el.leaderPath,
		el.nomination.GetID(),
		ttl,
	)
	var stopOnce sync.Once
	stopRound := func() { stopOnce.Do(candidate.Stop) }

	el.Lock()
	el.candidate = candidate
	el.stopRound = stopRound
	el.Unlock()

	defer func() {
		el.Lock()
		el.candidate = nil
		el.stopRound = nil
		el.Unlock()
	}()

	electionCh, errCh := candidate.RunForElection()
	elected := false
	// Once the round is over we keep draining the candidate's channels
	// until it closes them, so its campaign goroutine can finish sending.
	stopping := false
	stopCh := el.stopChan

	for {
		select {
		case <-stopCh:
			stopCh = nil
			if !stopping {
				stopping = true
				stopRound()
			}
		case isElected, ok := <-electionCh:
			// Channel is closed, terminate the round.
			if !ok {
				return nil
			}
			if stopping {
				continue
			}
			if isElected && !elected {
				elected = true
				log.WithFields(log.Fields{
					"id":   el.nomination.GetID(),
					"role": el.role,
				}).Info("Leadership gained")
				el.metrics.GainedLeadership.Inc(1)
				el.metrics.IsLeader.Update(1)
				hook := el.newAbdicationHook(candidate)
				err := el.nomination.GainedLeadershipCallback(hook)
				if err != nil {
					log.WithError(err).WithFields(log.Fields{
						"id":   el.nomination.GetID(),
						"role": el.role,
					}).Error("GainedLeadershipCallback failed")
				}
			} else if !isElected && elected {
				elected = false
				log.WithFields(log.Fields{
					"id":   el.nomination.GetID(),
					"role": el.role,
				}).Info("Leadership lost")
				el.metrics.LostLeadership.Inc(1)
				el.metrics.IsLeader.Update(0)
				err := el.nomination.LostLeadershipCallback()
				if err != nil {
					log.WithError(err).WithFields(log.Fields{
						"id":   el.nomination.GetID(),
						"role": el.role,
					}).Error("LostLeadershipCallback failed")
				}
				// round over, candidacy is re-entered on the next offer
				stopping = true
				stopRound()
			}
		case err := <-errCh:
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"role": el.role,
				}).Error("Error participating in election")
				return err
			}
			// Just a shutdown signal from the docker/leadership lib.
			return nil
		}
	}
}

// newAbdicationHook wraps the round's resignation so it runs at most once
// per epoch no matter which path executes it.
func (el *election) newAbdicationHook(candidate *leadership.Candidate) AbdicationHook {
	var once sync.Once
	return func() {
		once.Do(func() {
			log.WithField("role", el.role).Info("Abdicating leadership")
			el.metrics.Resigned.Inc(1)
			candidate.Resign()
		})
	}
}

// Stop stops campaigning for leadership, calls shutdown.
// NOTE: only the first call closes the stop channel; every call runs the
// nomination's ShutDownCallback.
func (el *election) Stop() error {
	el.Lock()
	if el.running {
		el.running = false
		close(el.stopChan)
		if el.stopRound != nil {
			el.stopRound()
		}
		el.metrics.Stop.Inc(1)
		el.metrics.Running.Update(0)
		el.metrics.Resigned.Inc(1)
	}
	el.Unlock()
	return el.nomination.ShutDownCallback()
}

// IsLeader returns whether this candidate is the current leader.
func (el *election) IsLeader() bool {
	el.Lock()
	defer el.Unlock()

	// The candidate reports leader even if we have resigned, so gate
	// delegating to IsLeader on whether we are actively campaigning for
	// the leadership.
	return el.running && el.candidate != nil && el.candidate.IsLeader()
}

// Resign gives up leadership.
func (el *election) Resign() {
	el.Lock()
	candidate := el.candidate
	el.Unlock()

	if candidate != nil {
		el.metrics.Resigned.Inc(1)
		candidate.Resign()
	}
}

// leaderZkPath returns the full ZK path to the leader node given an
// election config (the path root) and a role.
func leaderZkPath(rootPath string, role string) string {
	// NOTE: remember, there cannot be a leading / for libkv.
	return strings.TrimPrefix(path.Join(rootPath, role, "leader"), "/")
}
