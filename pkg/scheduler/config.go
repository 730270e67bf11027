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
	"time"
)

// Config is the scheduler leadership and control-loop configuration.
type Config struct {
	// HTTPPort is the port the scheduler API listens on. It is also
	// encoded into the leader ID record.
	HTTPPort int `yaml:"http_port"`

	// ZKTimeout bounds synchronous coordination-service lookups and the
	// data migration step of elected preparation.
	ZKTimeout time.Duration `yaml:"zk_timeout"`

	// OnElectedPrepareTimeout bounds the aggregated completion of the
	// leadership callbacks run on election.
	OnElectedPrepareTimeout time.Duration `yaml:"on_elected_prepare_timeout"`

	// MaxActorStartupTime bounds the leadership coordinator prepare step.
	MaxActorStartupTime time.Duration `yaml:"max_actor_startup_time"`

	// Control-loop timings.
	ReconciliationInitialDelay time.Duration `yaml:"reconciliation_initial_delay"`
	ReconciliationInterval     time.Duration `yaml:"reconciliation_interval"`
	ScaleAppsInitialDelay      time.Duration `yaml:"scale_apps_initial_delay"`
	ScaleAppsInterval          time.Duration `yaml:"scale_apps_interval"`

	// Candidacy offer backoff. The delay doubles on every failed
	// preparation and resets on successful activation.
	LeaderOfferBackoffInitial time.Duration `yaml:"leader_offer_backoff_initial"`
	LeaderOfferBackoffMax     time.Duration `yaml:"leader_offer_backoff_max"`
}

// normalize fills defaults for unset durations.
func (c *Config) normalize() {
	if c.ZKTimeout <= 0 {
		c.ZKTimeout = 10 * time.Second
	}
	if c.OnElectedPrepareTimeout <= 0 {
		c.OnElectedPrepareTimeout = 3 * time.Minute
	}
	if c.MaxActorStartupTime <= 0 {
		c.MaxActorStartupTime = 10 * time.Second
	}
	if c.ReconciliationInitialDelay <= 0 {
		c.ReconciliationInitialDelay = 15 * time.Second
	}
	if c.ReconciliationInterval <= 0 {
		c.ReconciliationInterval = 5 * time.Minute
	}
	if c.ScaleAppsInitialDelay <= 0 {
		c.ScaleAppsInitialDelay = 15 * time.Second
	}
	if c.ScaleAppsInterval <= 0 {
		c.ScaleAppsInterval = 5 * time.Minute
	}
}
