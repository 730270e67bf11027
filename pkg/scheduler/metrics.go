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
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in the scheduler package.
type Metrics struct {
	Elected            tally.Gauge
	PreparationSuccess tally.Counter
	PreparationFail    tally.Counter
	DriverStart        tally.Counter
	DriverStop         tally.Counter
	DriverCrash        tally.Counter
	TickScaleApps      tally.Counter
	TickReconcile      tally.Counter
	TickExpungeOrphans tally.Counter

	DeploymentsStarted   tally.Counter
	DeploymentsConflict  tally.Counter
	DeploymentsCancelled tally.Counter
	ActorInboxDropped    tally.Counter
	ActorAskTimeout      tally.Counter
}

// NewMetrics returns a new instance of Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Elected:            scope.Gauge("elected"),
		PreparationSuccess: scope.Counter("preparation_success"),
		PreparationFail:    scope.Counter("preparation_fail"),
		DriverStart:        scope.Counter("driver_start"),
		DriverStop:         scope.Counter("driver_stop"),
		DriverCrash:        scope.Counter("driver_crash"),
		TickScaleApps:      scope.Counter("tick_scale_apps"),
		TickReconcile:      scope.Counter("tick_reconcile"),
		TickExpungeOrphans: scope.Counter("tick_expunge_orphans"),

		DeploymentsStarted:   scope.Counter("deployments_started"),
		DeploymentsConflict:  scope.Counter("deployments_conflict"),
		DeploymentsCancelled: scope.Counter("deployments_cancelled"),
		ActorInboxDropped:    scope.Counter("actor_inbox_dropped"),
		ActorAskTimeout:      scope.Counter("actor_ask_timeout"),
	}
}
