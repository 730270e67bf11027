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

package eventbus

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

const _defaultBufferSize = 64

// Bus is a process-local publish/subscribe channel for lifecycle events
// such as leadership transitions. Publishing never blocks: subscribers
// that fall behind lose events, which is recorded in metrics.
type Bus interface {
	// Publish delivers the event to every subscriber.
	Publish(event interface{})
	// Subscribe registers a named subscriber and returns its channel.
	Subscribe(name string) <-chan interface{}
	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(name string)
}

type bus struct {
	sync.RWMutex
	subscribers map[string]chan interface{}
	metrics     *Metrics
}

// NewBus creates an event bus.
func NewBus(parent tally.Scope) Bus {
	return &bus{
		subscribers: make(map[string]chan interface{}),
		metrics:     NewMetrics(parent.SubScope("eventbus")),
	}
}

func (b *bus) Publish(event interface{}) {
	b.RLock()
	defer b.RUnlock()

	b.metrics.Published.Inc(1)
	for name, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.metrics.Dropped.Inc(1)
			log.WithFields(log.Fields{
				"subscriber": name,
				"event":      event,
			}).Warn("Subscriber queue full, dropping event")
		}
	}
}

func (b *bus) Subscribe(name string) <-chan interface{} {
	b.Lock()
	defer b.Unlock()

	if ch, ok := b.subscribers[name]; ok {
		return ch
	}
	ch := make(chan interface{}, _defaultBufferSize)
	b.subscribers[name] = ch
	b.metrics.Subscribers.Update(float64(len(b.subscribers)))
	return ch
}

func (b *bus) Unsubscribe(name string) {
	b.Lock()
	defer b.Unlock()

	if ch, ok := b.subscribers[name]; ok {
		delete(b.subscribers, name)
		close(ch)
	}
	b.metrics.Subscribers.Update(float64(len(b.subscribers)))
}
