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

package scheduler

import (
	"context"
)

// LeadershipCoordinator signals cooperating subsystems to become active
// when this replica is elected, and to drain when it stands down.
type LeadershipCoordinator interface {
	// PrepareForStart returns once the subsystems are ready, or with the
	// ctx error on timeout.
	PrepareForStart(ctx context.Context) error
	// Stop drains the subsystems. Idempotent.
	Stop()
}

// LeadershipCallback is a pair of operations run on every leadership
// transition. Callbacks may execute in parallel with each other.
type LeadershipCallback interface {
	OnElected(ctx context.Context) error
	OnDefeated(ctx context.Context) error
}

// HealthCheckManager reconciles health checks against the currently known
// tasks. Health-check execution itself lives outside this core.
type HealthCheckManager interface {
	ReconcileAll(ctx context.Context) error
}

// ElectedAsLeaderEvent is published on the event bus once a replica has
// completed preparation and activated.
type ElectedAsLeaderEvent struct {
	ID string
}

// StandbyEvent is published when a replica stands down to follower.
type StandbyEvent struct {
	ID string
}

// DeploymentStartedEvent is published when a deployment is accepted.
type DeploymentStartedEvent struct {
	DeploymentID string
	AppID        string
}
