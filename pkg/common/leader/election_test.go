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
	"strings"
	"testing"
	"time"

	libkvmock "github.com/docker/libkv/store/mock"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/uber-go/tally"
)

type testNomination struct {
	host   string
	port   string
	events chan string
	hooks  chan AbdicationHook
}

func (x *testNomination) GainedLeadershipCallback(hook AbdicationHook) error {
	log.Info("GainedLeadershipCallback called")
	x.hooks <- hook
	x.events <- "leadership_gained"
	return nil
}
func (x *testNomination) LostLeadershipCallback() error {
	log.Info("LostLeadershipCallback called")
	x.events <- "leadership_lost"
	return nil
}
func (x *testNomination) ShutDownCallback() error {
	log.Info("ShutdownCallback called")
	x.events <- "shutdown"
	return nil
}
func (x *testNomination) GetID() string { return x.host + ":" + x.port }

func newTestNomination() *testNomination {
	return &testNomination{
		host:   "testhost",
		port:   "666",
		events: make(chan string, 100),
		hooks:  make(chan AbdicationHook, 100),
	}
}

func mockedStore(t *testing.T, key string) *libkvmock.Mock {
	kv, err := libkvmock.New([]string{}, nil)
	assert.NoError(t, err)
	assert.NotNil(t, kv)
	mockStore := kv.(*libkvmock.Mock)
	mockLock := &libkvmock.Lock{}
	mockStore.On("NewLock", key, mock.Anything).Return(mockLock, nil)

	// Lock and unlock always succeed.
	lostCh := make(chan struct{})
	var mockLostCh <-chan struct{} = lostCh
	mockLock.On("Lock", mock.Anything).Return(mockLostCh, nil)
	mockLock.On("Unlock").Return(nil)
	return mockStore
}

func noEventWithin(t *testing.T, events <-chan string, d time.Duration) {
	select {
	case e := <-events:
		t.Fatalf("unexpected event %q", e)
	case <-time.After(d):
	}
}

func TestElectionIsOfferGated(t *testing.T) {
	role := "testrole"
	key := strings.TrimPrefix("/strider/fake", "/")
	nomination := newTestNomination()

	el := election{
		role:       role,
		metrics:    newElectionMetrics(tally.NoopScope, "hostname"),
		client:     mockedStore(t, key),
		leaderPath: key,
		nomination: nomination,
		stopChan:   make(chan struct{}),
		offerChan:  make(chan struct{}, 1),
	}

	assert.NoError(t, el.Start())

	// No candidacy without an offer, even though the lock always succeeds.
	noEventWithin(t, nomination.events, 50*time.Millisecond)

	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)
	assert.True(t, el.IsLeader())

	hook := <-nomination.hooks
	assert.NotNil(t, hook)

	// Executing the hook abdicates; the round ends and candidacy is not
	// re-entered until the next offer.
	hook()
	assert.Equal(t, "leadership_lost", <-nomination.events)
	noEventWithin(t, nomination.events, 50*time.Millisecond)

	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)

	assert.NoError(t, el.Stop())
	assert.Equal(t, "shutdown", <-nomination.events)
	assert.False(t, el.IsLeader())
}

func TestAbdicationHookIsIdempotent(t *testing.T) {
	role := "testrole"
	key := strings.TrimPrefix("/strider/fake", "/")
	nomination := newTestNomination()

	el := election{
		role:       role,
		metrics:    newElectionMetrics(tally.NoopScope, "hostname"),
		client:     mockedStore(t, key),
		leaderPath: key,
		nomination: nomination,
		stopChan:   make(chan struct{}),
		offerChan:  make(chan struct{}, 1),
	}

	assert.NoError(t, el.Start())
	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)

	hook := <-nomination.hooks
	hook()
	assert.Equal(t, "leadership_lost", <-nomination.events)

	// Repeated executions are no-ops: no further transitions arrive.
	hook()
	hook()
	noEventWithin(t, nomination.events, 50*time.Millisecond)

	assert.NoError(t, el.Stop())
}

func TestSoloCandidateElectsOnOffer(t *testing.T) {
	nomination := newTestNomination()

	el, err := NewSoloCandidate(tally.NoopScope, "testrole", nomination)
	assert.NoError(t, err)

	assert.NoError(t, el.Start())
	assert.False(t, el.IsLeader())

	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)
	assert.True(t, el.IsLeader())

	// Solo mode passes no abdication hook.
	hook := <-nomination.hooks
	assert.Nil(t, hook)

	// Repeated offers while leading collapse.
	el.Offer()
	noEventWithin(t, nomination.events, 20*time.Millisecond)

	el.Resign()
	assert.Equal(t, "leadership_lost", <-nomination.events)
	assert.False(t, el.IsLeader())

	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)

	assert.NoError(t, el.Stop())
	assert.Equal(t, "shutdown", <-nomination.events)
	assert.False(t, el.IsLeader())
}

func TestSoloCandidateFailedCallbackDropsLeadership(t *testing.T) {
	nomination := newTestNomination()
	failing := &failingNomination{testNomination: nomination}

	el, err := NewSoloCandidate(tally.NoopScope, "testrole", failing)
	assert.NoError(t, err)
	assert.NoError(t, el.Start())

	el.Offer()
	assert.Equal(t, "leadership_gained", <-nomination.events)
	assert.False(t, el.IsLeader())
}

type failingNomination struct {
	*testNomination
}

func (x *failingNomination) GainedLeadershipCallback(hook AbdicationHook) error {
	x.testNomination.GainedLeadershipCallback(hook)
	return assert.AnError
}
