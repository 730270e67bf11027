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

// AbdicationHook relinquishes the candidacy held for the current epoch
// when executed. It is idempotent: executing it more than once has no
// further effect. A nil hook means no coordination service is present.
type AbdicationHook func()

// Nomination represents the set of callbacks to handle leadership election.
type Nomination interface {
	// GainedLeadershipCallback is the callback when the current node
	// becomes the leader. The hook relinquishes the candidacy when
	// executed; it is nil when running without a coordination service.
	GainedLeadershipCallback(hook AbdicationHook) error
	// LostLeadershipCallback is the callback when the leader lost leadership.
	LostLeadershipCallback() error
	// ShutDownCallback is the callback to shut down gracefully if possible.
	ShutDownCallback() error
	// GetID returns the ID of the node running for leadership.
	GetID() string
}

// Candidate is an interface representing a candidate campaigning to become
// a leader. Candidacy is offer-gated: after Start, the candidate does not
// compete for leadership until Offer is called, and after every defeat the
// owner must offer again to re-enter the election.
type Candidate interface {
	IsLeader() bool
	Start() error
	Stop() error
	// Offer enters (or re-enters) candidacy. Concurrent offers are
	// serialized and collapse into a single election round.
	Offer()
	// Resign gives up leadership.
	Resign()
}
