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

package backoff

import (
	"sync"
	"time"
)

const (
	// DefaultInitial is the starting delay for candidacy offers.
	DefaultInitial = 500 * time.Millisecond

	// DefaultCeiling bounds the doubling. The comparison in Increase is
	// inclusive, so one further doubling happens once the delay reaches
	// the ceiling; the largest delay ever returned is 2*DefaultCeiling.
	DefaultCeiling = 16 * time.Second
)

// Controller manages a monotonically doubling delay for retrying
// candidacy offers.
type Controller interface {
	// Current returns the delay to apply to the next offer.
	Current() time.Duration
	// Increase doubles the delay while it has not exceeded the ceiling.
	Increase()
	// Reset returns the delay to its initial value.
	Reset()
}

type controller struct {
	sync.Mutex

	initial time.Duration
	ceiling time.Duration
	delay   time.Duration
}

// NewController creates a backoff Controller. Non-positive arguments fall
// back to the defaults.
func NewController(initial, ceiling time.Duration) Controller {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &controller{
		initial: initial,
		ceiling: ceiling,
		delay:   initial,
	}
}

func (c *controller) Current() time.Duration {
	c.Lock()
	defer c.Unlock()
	return c.delay
}

func (c *controller) Increase() {
	c.Lock()
	defer c.Unlock()
	if c.delay <= c.ceiling {
		c.delay *= 2
	}
}

func (c *controller) Reset() {
	c.Lock()
	defer c.Unlock()
	c.delay = c.initial
}
