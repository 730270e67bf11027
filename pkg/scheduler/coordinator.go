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

	log "github.com/sirupsen/logrus"
)

// actorCoordinator activates the scheduler actor when this replica becomes
// leader and drains it when leadership ends. The actor only processes
// messages on the leading replica; messages sent while standby sit in the
// inbox or are dropped.
type actorCoordinator struct {
	actor *Actor
}

// NewLeadershipCoordinator creates the coordinator for the scheduler actor.
func NewLeadershipCoordinator(actor *Actor) LeadershipCoordinator {
	return &actorCoordinator{actor: actor}
}

func (c *actorCoordinator) PrepareForStart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.actor.Start()
	log.Info("Scheduler actor activated")
	return nil
}

func (c *actorCoordinator) Stop() {
	c.actor.Stop()
	log.Info("Scheduler actor drained")
}
